package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BaseCurrency is the unit of custody balances.
const BaseCurrency = "USD"

type Account struct {
	ID             int64           `json:"id"`
	PhoneNumber    string          `json:"phone_number"`
	CustodyAddress string          `json:"custody_address"`
	CachedBalance  decimal.Decimal `json:"cached_balance"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
