// Package decimalstr converts between big.Int microdollar amounts and the
// decimal-string wire representation used everywhere a cost figure crosses
// a process boundary (WAL payloads, DLQ entries, finalize requests).
//
// A JSON number loses precision above 2^53; a decimal string round-trips
// exactly no matter how large the underlying integer gets. Every amount
// that leaves this process as JSON goes through here first.
package decimalstr

import (
	"errors"
	"math/big"
	"strings"
)

// ErrInvalidAmount is returned when a decimal string is not a valid
// non-negative integer (no decimal point, no leading sign, no exponent).
var ErrInvalidAmount = errors.New("decimalstr: not a non-negative decimal integer")

// Parse converts a decimal string into a big.Int. It rejects anything that
// is not a bare non-negative integer: a leading '+'/'-', a decimal point,
// whitespace, or non-digit characters all fail.
func Parse(s string) (*big.Int, error) {
	if s == "" {
		return nil, ErrInvalidAmount
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, ErrInvalidAmount
		}
	}
	// Reject leading zeros beyond a bare "0" to keep the wire form canonical.
	if len(s) > 1 && s[0] == '0' {
		return nil, ErrInvalidAmount
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	return n, nil
}

// MustParse is Parse but panics on error; used only for compile-time-known
// literals (tests, defaults), never for data that crossed a process
// boundary.
func MustParse(s string) *big.Int {
	n, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return n
}

// Format renders a big.Int as its canonical decimal string.
func Format(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

// FromInt64 is a convenience constructor for amounts known at the call site
// to be small and non-negative (e.g. estimated costs computed from a flat
// per-token rate).
func FromInt64(v int64) *big.Int {
	return big.NewInt(v)
}

// IsValid reports whether s parses as a non-negative decimal integer,
// discarding the big.Int that Parse builds.
func IsValid(s string) bool {
	if s == "" || strings.ContainsAny(s, ".+- \t\n") {
		return false
	}
	_, err := Parse(s)
	return err == nil
}
