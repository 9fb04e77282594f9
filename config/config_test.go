package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseRates(t *testing.T) {
	rates, err := ParseRates("kes/usd=0.0077, UGX/USD=0.00027")
	require.NoError(t, err)
	assert.True(t, rates["KES/USD"].Equal(decimal.RequireFromString("0.0077")))
	assert.Len(t, rates, 2)

	_, err = ParseRates("KESUSD=1")
	assert.Error(t, err)
	_, err = ParseRates("KES/USD=-1")
	assert.Error(t, err)
}

func TestParseVaults(t *testing.T) {
	vaults, err := ParseVaults("savings:Savings Vault:0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	require.Len(t, vaults, 1)
	assert.Equal(t, "savings", vaults[0].ID)
	assert.Equal(t, "Savings Vault", vaults[0].Name)

	_, err = ParseVaults("broken")
	assert.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OTP_SECRET", "")
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("USSD_SESSION_TTL", "30m")
	t.Setenv("TRANSFER_FEE", "0.25")

	cfg, err := Load(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.USSD.SessionTTL)
	assert.True(t, cfg.Money.TransferFee.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, 3, cfg.Auth.OTPMaxAttempts)
	assert.NotEmpty(t, cfg.Auth.OTPSecret)
	assert.Contains(t, cfg.Database.DSN(), "pool_max_conns=")
}

func TestLoadRequiresOTPSecretInProduction(t *testing.T) {
	t.Setenv("OTP_SECRET", "")
	t.Setenv("ENVIRONMENT", "production")

	_, err := Load(zap.NewNop())
	assert.Error(t, err)
}
