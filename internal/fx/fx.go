// internal/fx/fx.go
package fx

import (
	"fmt"
	"strings"

	"ussd-service/internal/domain"

	"github.com/shopspring/decimal"
)

// ratePrecision bounds the digits kept when a rate is derived by inversion.
const ratePrecision = 12

// Converter converts between fiat and the base currency using a static
// rate table keyed "FROM/TO".
type Converter struct {
	rates map[string]decimal.Decimal
}

func NewConverter(rates map[string]decimal.Decimal) *Converter {
	table := make(map[string]decimal.Decimal, len(rates))
	for pair, r := range rates {
		table[strings.ToUpper(pair)] = r
	}
	return &Converter{rates: table}
}

// Rate returns the multiplier that turns an amount in from into to. A pair
// missing from the table falls back to the inverse of its reverse pair.
func (c *Converter) Rate(from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	if r, ok := c.rates[from+"/"+to]; ok {
		return r, nil
	}
	if r, ok := c.rates[to+"/"+from]; ok && r.IsPositive() {
		return decimal.NewFromInt(1).DivRound(r, ratePrecision), nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s/%s", domain.ErrUnsupportedCurrency, from, to)
}

// Convert returns amount expressed in to, rounded to the custody token
// precision, together with the rate applied.
func (c *Converter) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, decimal.Decimal, error) {
	rate, err := c.Rate(from, to)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return amount.Mul(rate).Round(6), rate, nil
}

// Supports reports whether a currency can be converted to the base currency.
func (c *Converter) Supports(currency string) bool {
	_, err := c.Rate(currency, domain.BaseCurrency)
	return err == nil
}
