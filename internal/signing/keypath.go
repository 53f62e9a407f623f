package signing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// keyNode is one step of a BIP-32 derivation path.
type keyNode struct {
	index    uint32
	hardened bool
}

func (node keyNode) encode() string {
	suffix := ""
	if node.hardened {
		suffix = "'"
	}
	return strconv.FormatUint(uint64(node.index), 10) + suffix
}

func parseKeyNode(segment string) (keyNode, error) {
	node := keyNode{}
	if strings.HasSuffix(segment, "'") || strings.HasSuffix(segment, "h") || strings.HasSuffix(segment, "H") {
		node.hardened = true
		segment = segment[:len(segment)-1]
	}
	index, err := strconv.ParseUint(segment, 10, 32)
	if err != nil {
		return keyNode{}, fmt.Errorf("invalid path segment %q: %w", segment, err)
	}
	if index >= hdkeychain.HardenedKeyStart {
		return keyNode{}, fmt.Errorf("path segment %q out of range", segment)
	}
	node.index = uint32(index)
	return node, nil
}

func deriveKeyNodes(extendedKey *hdkeychain.ExtendedKey, nodes []keyNode) (*hdkeychain.ExtendedKey, error) {
	for _, node := range nodes {
		index := node.index
		if node.hardened {
			index += hdkeychain.HardenedKeyStart
		}
		var err error
		extendedKey, err = extendedKey.Derive(index)
		if err != nil {
			return nil, fmt.Errorf("failed to derive child %s: %w", node.encode(), err)
		}
	}
	return extendedKey, nil
}

// RelativeKeypath is a derivation path relative to some parent key.
type RelativeKeypath []keyNode

// NewRelativeKeypath parses a path like `0/10` or `1'/2`. Hardened nodes are
// marked with `'`, `h` or `H`.
func NewRelativeKeypath(input string) (RelativeKeypath, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return RelativeKeypath{}, nil
	}
	path := RelativeKeypath{}
	for _, segment := range strings.Split(input, "/") {
		node, err := parseKeyNode(strings.TrimSpace(segment))
		if err != nil {
			return nil, err
		}
		path = append(path, node)
	}
	return path, nil
}

// Encode returns the textual form of the path, hardened nodes marked with `'`.
func (path RelativeKeypath) Encode() string {
	segments := make([]string, len(path))
	for i, node := range path {
		segments[i] = node.encode()
	}
	return strings.Join(segments, "/")
}

// Hardened reports whether any node of the path is hardened.
func (path RelativeKeypath) Hardened() bool {
	for _, node := range path {
		if node.hardened {
			return true
		}
	}
	return false
}

// Derive derives the path from the given extended key. Hardened nodes require
// a private key.
func (path RelativeKeypath) Derive(extendedKey *hdkeychain.ExtendedKey) (*hdkeychain.ExtendedKey, error) {
	return deriveKeyNodes(extendedKey, path)
}

// AbsoluteKeypath is a derivation path anchored at the master key.
type AbsoluteKeypath []keyNode

// NewEmptyAbsoluteKeypath creates the path of the master key itself.
func NewEmptyAbsoluteKeypath() AbsoluteKeypath {
	return AbsoluteKeypath{}
}

// NewAbsoluteKeypath parses a path like `m/44'/0'/1'`. The leading `m` is
// optional; hardened nodes are marked with `'`, `h` or `H`.
func NewAbsoluteKeypath(input string) (AbsoluteKeypath, error) {
	input = strings.TrimSpace(input)
	segments := strings.Split(input, "/")
	if len(segments) > 0 && strings.EqualFold(strings.TrimSpace(segments[0]), "m") {
		segments = segments[1:]
	}
	path := AbsoluteKeypath{}
	for _, segment := range segments {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		node, err := parseKeyNode(segment)
		if err != nil {
			return nil, err
		}
		path = append(path, node)
	}
	return path, nil
}

// AbsoluteKeypathFromUint32 converts a raw BIP-32 path, such as the ones
// carried in PSBT derivation fields, where hardened nodes have the high bit
// set.
func AbsoluteKeypathFromUint32(indexes []uint32) AbsoluteKeypath {
	path := make(AbsoluteKeypath, len(indexes))
	for i, index := range indexes {
		path[i] = keyNode{
			index:    index & (hdkeychain.HardenedKeyStart - 1),
			hardened: index >= hdkeychain.HardenedKeyStart,
		}
	}
	return path
}

// ToUint32 returns the raw BIP-32 form of the path, hardened nodes with the
// high bit set. This is the form PSBT derivation fields carry.
func (path AbsoluteKeypath) ToUint32() []uint32 {
	indexes := make([]uint32, len(path))
	for i, node := range path {
		indexes[i] = node.index
		if node.hardened {
			indexes[i] += hdkeychain.HardenedKeyStart
		}
	}
	return indexes
}

// Encode returns the textual form of the path, starting with `m`.
func (path AbsoluteKeypath) Encode() string {
	segments := make([]string, len(path)+1)
	segments[0] = "m"
	for i, node := range path {
		segments[i+1] = node.encode()
	}
	return strings.Join(segments, "/")
}

// Child appends one node to the path.
func (path AbsoluteKeypath) Child(index uint32, hardened bool) AbsoluteKeypath {
	child := make(AbsoluteKeypath, len(path), len(path)+1)
	copy(child, path)
	return append(child, keyNode{index: index, hardened: hardened})
}

// Append extends the path by a relative suffix.
func (path AbsoluteKeypath) Append(suffix RelativeKeypath) AbsoluteKeypath {
	joined := make(AbsoluteKeypath, len(path), len(path)+len(suffix))
	copy(joined, path)
	return append(joined, suffix...)
}

// TrimPrefix returns the path relative to the given prefix, or an error if
// the path does not extend it.
func (path AbsoluteKeypath) TrimPrefix(prefix AbsoluteKeypath) (RelativeKeypath, error) {
	if len(prefix) > len(path) {
		return nil, fmt.Errorf("%s does not extend %s", path.Encode(), prefix.Encode())
	}
	for i, node := range prefix {
		if path[i] != node {
			return nil, fmt.Errorf("%s does not extend %s", path.Encode(), prefix.Encode())
		}
	}
	suffix := make(RelativeKeypath, len(path)-len(prefix))
	copy(suffix, path[len(prefix):])
	return suffix, nil
}

// Derive derives the path from the given extended key. Hardened nodes require
// a private key.
func (path AbsoluteKeypath) Derive(extendedKey *hdkeychain.ExtendedKey) (*hdkeychain.ExtendedKey, error) {
	return deriveKeyNodes(extendedKey, path)
}
