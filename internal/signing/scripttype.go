package signing

import "fmt"

// ScriptType indicates which spending script an address commits to.
type ScriptType string

const (
	// ScriptTypeP2PKH is a legacy pay-to-public-key-hash output.
	ScriptTypeP2PKH ScriptType = "p2pkh"
	// ScriptTypeP2WPKHP2SH is a pay-to-witness-public-key-hash output nested
	// in pay-to-script-hash.
	ScriptTypeP2WPKHP2SH ScriptType = "p2wpkh-p2sh"
	// ScriptTypeP2WPKH is a native segwit pay-to-witness-public-key-hash
	// output.
	ScriptTypeP2WPKH ScriptType = "p2wpkh"
	// ScriptTypeP2SH is a pay-to-script-hash multisig output.
	ScriptTypeP2SH ScriptType = "p2sh"
	// ScriptTypeP2WSH is a native segwit pay-to-witness-script-hash multisig
	// output.
	ScriptTypeP2WSH ScriptType = "p2wsh"
)

// DecodeScriptType validates a script type received over an untrusted
// boundary, such as an API request or an environment variable.
func DecodeScriptType(input string) (ScriptType, error) {
	scriptType := ScriptType(input)
	switch scriptType {
	case ScriptTypeP2PKH, ScriptTypeP2WPKHP2SH, ScriptTypeP2WPKH, ScriptTypeP2SH, ScriptTypeP2WSH:
		return scriptType, nil
	default:
		return "", fmt.Errorf("unknown script type %q", input)
	}
}

// Multisig reports whether the script type hashes a multisig script rather
// than a single public key.
func (scriptType ScriptType) Multisig() bool {
	return scriptType == ScriptTypeP2SH || scriptType == ScriptTypeP2WSH
}
