package util

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/keyfort/hwsign/internal/coin"
)

// NativeDecimals maps coin code to native unit decimals
var NativeDecimals = map[coin.Code]int{
	coin.CodeBTC:  8,
	coin.CodeTBTC: 8,
	coin.CodeLTC:  8,
	coin.CodeETH:  18,
}

// GetNativeDecimals returns the native unit decimals for a coin
func GetNativeDecimals(code coin.Code) (int, error) {
	decimals, ok := NativeDecimals[code]
	if !ok {
		return 0, fmt.Errorf("unknown coin: %s", code)
	}
	return decimals, nil
}

// ToBaseUnits converts a human-readable amount to base units
// e.g., "0.5" BTC (8 decimals) -> "50000000"
func ToBaseUnits(amount string, decimals int) (*big.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	// Handle negative numbers
	negative := false
	if strings.HasPrefix(amount, "-") {
		negative = true
		amount = amount[1:]
	}

	// Split into whole and fractional parts
	parts := strings.Split(amount, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("invalid amount format: %s", amount)
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}

	// Pad or truncate fractional part to decimals length
	if len(frac) < decimals {
		frac += strings.Repeat("0", decimals-len(frac))
	} else if len(frac) > decimals {
		frac = frac[:decimals]
	}

	// Combine whole and fractional parts
	combined := whole + frac

	// Remove leading zeros (but keep at least one digit)
	combined = strings.TrimLeft(combined, "0")
	if combined == "" {
		combined = "0"
	}

	result, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", amount)
	}

	if negative {
		result.Neg(result)
	}

	return result, nil
}

// FromBaseUnits converts base units to a human-readable amount
// e.g., "50000000" with 8 decimals -> "0.5"
func FromBaseUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}

	str := amount.String()
	negative := false
	if strings.HasPrefix(str, "-") {
		negative = true
		str = str[1:]
	}

	// Pad with leading zeros if needed
	if len(str) <= decimals {
		str = strings.Repeat("0", decimals-len(str)+1) + str
	}

	// Insert decimal point
	insertPos := len(str) - decimals
	whole := str[:insertPos]
	frac := str[insertPos:]

	// Remove trailing zeros from fractional part
	frac = strings.TrimRight(frac, "0")

	var result string
	if frac == "" {
		result = whole
	} else {
		result = whole + "." + frac
	}

	if negative {
		result = "-" + result
	}

	return result
}
