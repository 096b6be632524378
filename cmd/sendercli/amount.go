package main

import (
	"fmt"
	"math/big"
	"strings"
)

// parseAmount converts a decimal string like "1.5" into the asset's smallest
// unit given its decimals.
func parseAmount(s string, decimals int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", s, decimals)
	}
	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("bad amount %q", s)
	}
	if v.Sign() == 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return v, nil
}

// formatAmount renders a smallest-unit value as a decimal string.
func formatAmount(v *big.Int, decimals int) string {
	s := v.String()
	if decimals == 0 {
		return s
	}
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	cut := len(s) - decimals
	out := s[:cut] + "." + s[cut:]
	out = strings.TrimRight(out, "0")
	return strings.TrimSuffix(out, ".")
}
