// Package currency models SOL amounts in integer lamports.
package currency

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// LamportsPerSOL is the number of base units in one SOL.
const LamportsPerSOL = 1_000_000_000

// Decimals is the number of fractional digits carried by a SOL amount.
const Decimals = 9

var (
	// ErrNegativeAmount is returned when parsing a negative value.
	ErrNegativeAmount = errors.New("currency: amount must not be negative")
	// ErrAmountOverflow is returned when a value does not fit 256 bits.
	ErrAmountOverflow = errors.New("currency: amount overflow")
)

var lamportsPerSOL = decimal.NewFromInt(LamportsPerSOL)

// Amount is a non-negative quantity of lamports.
type Amount struct {
	v uint256.Int
}

// Lamports returns an Amount holding n lamports.
func Lamports(n uint64) Amount {
	var a Amount
	a.v.SetUint64(n)
	return a
}

// ParseSOL parses a decimal SOL string and floors it to whole lamports.
func ParseSOL(raw string) (Amount, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Amount{}, fmt.Errorf("currency: amount required")
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Amount{}, fmt.Errorf("currency: parse %q: %w", raw, err)
	}
	return FloorLamports(d)
}

// FloorLamports converts a SOL decimal to lamports, discarding sub-lamport digits.
func FloorLamports(sol decimal.Decimal) (Amount, error) {
	if sol.IsNegative() {
		return Amount{}, ErrNegativeAmount
	}
	lamports := sol.Mul(lamportsPerSOL).Floor().BigInt()
	var a Amount
	if overflow := a.v.SetFromBig(lamports); overflow {
		return Amount{}, ErrAmountOverflow
	}
	return a, nil
}

// ParseLamports parses a base-10 lamport count.
func ParseLamports(raw string) (Amount, error) {
	var a Amount
	if err := a.v.SetFromDecimal(strings.TrimSpace(raw)); err != nil {
		return Amount{}, fmt.Errorf("currency: parse lamports %q: %w", raw, err)
	}
	return a, nil
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a.v.IsZero() }

// Cmp compares a and b, returning -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

// Equal reports whether a and b hold the same number of lamports.
func (a Amount) Equal(b Amount) bool { return a.v.Eq(&b.v) }

// Add returns a+b. It reports an overflow instead of wrapping.
func (a Amount) Add(b Amount) (Amount, error) {
	var out Amount
	if _, overflow := out.v.AddOverflow(&a.v, &b.v); overflow {
		return Amount{}, ErrAmountOverflow
	}
	return out, nil
}

// Uint64 returns the lamport count and whether it fits in 64 bits.
func (a Amount) Uint64() (uint64, bool) {
	return a.v.Uint64(), a.v.IsUint64()
}

// LamportString renders the amount as a base-10 lamport count.
func (a Amount) LamportString() string { return a.v.Dec() }

// Decimal returns the amount in SOL.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(a.v.ToBig(), -Decimals)
}

// String renders the amount in SOL without trailing zeros.
func (a Amount) String() string { return a.Decimal().String() }

// Float64 approximates the SOL value for metrics and reports.
func (a Amount) Float64() float64 {
	f, _ := a.Decimal().Float64()
	return f
}

// WithinTolerance reports whether a signed on-chain balance delta (in lamports)
// matches the expected amount to within tolerance lamports.
func WithinTolerance(delta int64, expected Amount, tolerance uint64) bool {
	var actual, diff uint256.Int
	if delta < 0 {
		// A debit can only match when both sides sit inside the tolerance band.
		actual.SetUint64(uint64(-delta))
		diff.Add(&expected.v, &actual)
	} else {
		actual.SetUint64(uint64(delta))
		if actual.Cmp(&expected.v) >= 0 {
			diff.Sub(&actual, &expected.v)
		} else {
			diff.Sub(&expected.v, &actual)
		}
	}
	return diff.IsUint64() && diff.Uint64() <= tolerance
}

// Value implements driver.Valuer, persisting the lamport count as text.
func (a Amount) Value() (driver.Value, error) {
	return a.v.Dec(), nil
}

// Scan implements sql.Scanner.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		a.v.Clear()
		return nil
	case string:
		return a.v.SetFromDecimal(v)
	case []byte:
		return a.v.SetFromDecimal(string(v))
	case int64:
		if v < 0 {
			return ErrNegativeAmount
		}
		a.v.SetUint64(uint64(v))
		return nil
	default:
		return fmt.Errorf("currency: cannot scan %T into Amount", src)
	}
}

// MarshalJSON encodes the amount as a SOL decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a SOL decimal string or number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	parsed, err := ParseSOL(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
