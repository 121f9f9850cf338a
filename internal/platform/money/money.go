// Package money converts between the wire representation of amounts (decimal
// rupees with at most two fractional digits) and the integer paisa used by the
// ledger.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const minorDigits = 2

var (
	ErrInvalidFormat = errors.New("invalid amount format")
	ErrPrecision     = errors.New("amount has more than two fractional digits")
	ErrOverflow      = errors.New("amount out of range")
)

var maxMinor = decimal.NewFromInt(math.MaxInt64)

// Amount is a value in minor units (paisa).
type Amount int64

func (a Amount) Minor() int64 {
	return int64(a)
}

func (a Amount) String() string {
	return decimal.New(int64(a), -minorDigits).StringFixed(minorDigits)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts both quoted decimals ("12.50") and bare JSON numbers.
func (a *Amount) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*a = 0
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		raw = s
	}
	v, err := Parse(raw)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// UnmarshalYAML reads scalar amounts such as 5000 or "5000.00" from config.
func (a *Amount) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: expected scalar", ErrInvalidFormat)
	}
	v, err := Parse(node.Value)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Parse reads a decimal rupee string into minor units. Signs are allowed;
// callers decide whether negatives make sense for their operation.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidFormat
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	shifted := d.Shift(minorDigits)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: %q", ErrPrecision, s)
	}
	if shifted.Abs().GreaterThan(maxMinor) {
		return 0, fmt.Errorf("%w: %q", ErrOverflow, s)
	}
	return Amount(shifted.IntPart()), nil
}

func FromMinor(v int64) Amount {
	return Amount(v)
}
