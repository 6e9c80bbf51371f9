package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// CreditScale is the number of minor units in one credit.
const CreditScale = 10000

// creditExp is the decimal exponent of one minor unit.
const creditExp = -4

// Credits is an amount of credit expressed in minor units (1/10000 credit).
// All ledger arithmetic happens on this integer type; decimals only appear
// when parsing configuration or rendering values for users.
type Credits int64

// ParseCredits parses a decimal string such as "0.35" into Credits.
// Values with more precision than one minor unit are rejected.
func ParseCredits(s string) (Credits, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid credit amount %q: %w", s, err)
	}
	return CreditsFromDecimal(d)
}

// CreditsFromDecimal converts a decimal amount into Credits.
func CreditsFromDecimal(d decimal.Decimal) (Credits, error) {
	shifted := d.Shift(-creditExp)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("credit amount %s has more than %d decimal places", d.String(), -creditExp)
	}
	return Credits(shifted.IntPart()), nil
}

// MustParseCredits is ParseCredits for constants and tests.
func MustParseCredits(s string) Credits {
	c, err := ParseCredits(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Decimal returns the amount as a decimal number of credits.
func (c Credits) Decimal() decimal.Decimal {
	return decimal.New(int64(c), creditExp)
}

// String renders the amount in credits, e.g. "2.75".
func (c Credits) String() string {
	return c.Decimal().String()
}

// MarshalJSON renders the amount as a JSON number in credits.
func (c Credits) MarshalJSON() ([]byte, error) {
	return []byte(c.Decimal().String()), nil
}

// UnmarshalJSON accepts either a JSON number or a quoted decimal string.
func (c *Credits) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*c = 0
		return nil
	}
	parsed, err := ParseCredits(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
