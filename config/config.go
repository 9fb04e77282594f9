// config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	USSD     USSDConfig
	Auth     AuthConfig
	SMS      SMSConfig
	Mpesa    MpesaConfig
	Ramp     RampConfig
	Custody  CustodyConfig
	Money    MoneyConfig
	Webhook  WebhookConfig
	Vaults   []VaultConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

type RedisConfig struct {
	Addrs    []string
	Password string
	DB       int
	Cluster  bool
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type USSDConfig struct {
	AppName        string
	SessionTTL     time.Duration
	DefaultCountry string
	// per-phone request throttle on the gateway endpoint
	RateLimit  int
	RateWindow time.Duration
}

type AuthConfig struct {
	OTPSecret      string
	OTPTTL         time.Duration
	OTPMaxAttempts int
	OTPIssueLimit  int
	OTPIssueWindow time.Duration
	AuthSessionTTL time.Duration
	RecentAuthTTL  time.Duration
	SMSSender      string
}

type SMSConfig struct {
	Enabled  bool
	URL      string
	APIKey   string
	Sender   string
	UserID   string
	Password string
}

type MpesaConfig struct {
	Enabled               bool
	Environment           string
	BaseURL               string
	ConsumerKey           string
	ConsumerSecret        string
	Passkey               string
	ShortCode             string
	B2CShortCode          string
	B2CInitiatorName      string
	B2CSecurityCredential string
	B2CConsumerKey        string
	B2CConsumerSecret     string
	CallbackBaseURL       string
	CallbackSecret        string
	WebhookSecret         string
	Currency              string
	MinAmount             decimal.Decimal
}

// RampConfig configures the generic HMAC-signed on/off-ramp partner.
type RampConfig struct {
	Enabled       bool
	Name          string
	BaseURL       string
	APIKey        string
	APISecret     string
	WebhookSecret string
	Currency      string
	MinAmount     decimal.Decimal
}

type CustodyConfig struct {
	BaseURL         string
	APIKey          string
	TreasuryAddress string
	Timeout         time.Duration
}

type MoneyConfig struct {
	TransferFee         decimal.Decimal
	MinAmountUSD        decimal.Decimal
	MaxAmountUSD        decimal.Decimal
	FXRates             map[string]decimal.Decimal
	ExternalCallTimeout time.Duration
	CompensationTimeout time.Duration
}

type WebhookConfig struct {
	MaxSkew time.Duration
}

type VaultConfig struct {
	ID      string
	Name    string
	Address string
}

// Load reads configuration from the environment, loading .env first when present.
func Load(logger *zap.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, relying on system env vars")
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Env:  getEnv("ENVIRONMENT", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "ussd_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 20),
		},
		Redis: RedisConfig{
			Addrs:    getEnvList("REDIS_ADDRS", []string{"localhost:6379"}),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Cluster:  getEnvBool("REDIS_CLUSTER", false),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvBool("KAFKA_ENABLED", false),
			Brokers: getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getEnv("KAFKA_TRANSACTIONS_TOPIC", "ussd.transactions"),
		},
		USSD: USSDConfig{
			AppName:        getEnv("USSD_APP_NAME", "Pesa Wallet"),
			SessionTTL:     getEnvDuration("USSD_SESSION_TTL", time.Hour),
			DefaultCountry: getEnv("USSD_DEFAULT_COUNTRY", "KE"),
			RateLimit:      getEnvInt("USSD_RATE_LIMIT", 60),
			RateWindow:     getEnvDuration("USSD_RATE_WINDOW", time.Minute),
		},
		Auth: AuthConfig{
			OTPSecret:      getEnv("OTP_SECRET", ""),
			OTPTTL:         getEnvDuration("OTP_TTL", 5*time.Minute),
			OTPMaxAttempts: getEnvInt("OTP_MAX_ATTEMPTS", 3),
			OTPIssueLimit:  getEnvInt("OTP_ISSUE_LIMIT", 3),
			OTPIssueWindow: getEnvDuration("OTP_ISSUE_WINDOW", 15*time.Minute),
			AuthSessionTTL: getEnvDuration("AUTH_SESSION_TTL", 24*time.Hour),
			RecentAuthTTL:  getEnvDuration("RECENT_AUTH_TTL", 10*time.Minute),
			SMSSender:      getEnv("OTP_SMS_SENDER", "PESA"),
		},
		SMS: SMSConfig{
			Enabled:  getEnvBool("SMS_ENABLED", true),
			URL:      getEnv("SMS_URL", "https://smsportal.hostpinnacle.co.ke/SMSApi/send"),
			APIKey:   getEnv("SMS_KEY", ""),
			Sender:   getEnv("SMS_SENDER", "PESA"),
			UserID:   getEnv("SMS_USER_ID", ""),
			Password: getEnv("SMS_PASSWORD", ""),
		},
		Mpesa: MpesaConfig{
			Enabled:               getEnvBool("MPESA_ENABLED", true),
			Environment:           getEnv("MPESA_ENVIRONMENT", "sandbox"),
			BaseURL:               getEnv("MPESA_BASE_URL", ""),
			ConsumerKey:           getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret:        getEnv("MPESA_CONSUMER_SECRET", ""),
			Passkey:               getEnv("MPESA_PASSKEY", ""),
			ShortCode:             getEnv("MPESA_SHORTCODE", "174379"),
			B2CShortCode:          getEnv("MPESA_B2C_SHORTCODE", "600000"),
			B2CInitiatorName:      getEnv("MPESA_B2C_INITIATOR_NAME", "testapi"),
			B2CSecurityCredential: getEnv("MPESA_B2C_SECURITY_CREDENTIAL", ""),
			B2CConsumerKey:        getEnv("MPESA_B2C_CONSUMER_KEY", ""),
			B2CConsumerSecret:     getEnv("MPESA_B2C_CONSUMER_SECRET", ""),
			CallbackBaseURL:       getEnv("MPESA_CALLBACK_BASE_URL", "http://localhost:8080/api/v1/callbacks/mpesa"),
			CallbackSecret:        getEnv("MPESA_CALLBACK_SECRET", ""),
			WebhookSecret:         getEnv("MPESA_WEBHOOK_SECRET", ""),
			Currency:              getEnv("MPESA_CURRENCY", "KES"),
			MinAmount:             getEnvDecimal("MPESA_MIN_AMOUNT", decimal.NewFromInt(10)),
		},
		Ramp: RampConfig{
			Enabled:       getEnvBool("RAMP_ENABLED", false),
			Name:          getEnv("RAMP_NAME", "ramp"),
			BaseURL:       getEnv("RAMP_BASE_URL", ""),
			APIKey:        getEnv("RAMP_API_KEY", ""),
			APISecret:     getEnv("RAMP_API_SECRET", ""),
			WebhookSecret: getEnv("RAMP_WEBHOOK_SECRET", ""),
			Currency:      getEnv("RAMP_CURRENCY", "USD"),
			MinAmount:     getEnvDecimal("RAMP_MIN_AMOUNT", decimal.NewFromInt(1)),
		},
		Custody: CustodyConfig{
			BaseURL:         getEnv("CUSTODY_BASE_URL", "http://localhost:9000"),
			APIKey:          getEnv("CUSTODY_API_KEY", ""),
			TreasuryAddress: getEnv("CUSTODY_TREASURY_ADDRESS", ""),
			Timeout:         getEnvDuration("CUSTODY_TIMEOUT", 15*time.Second),
		},
		Money: MoneyConfig{
			TransferFee:         getEnvDecimal("TRANSFER_FEE", decimal.RequireFromString("0.1")),
			MinAmountUSD:        getEnvDecimal("MIN_AMOUNT_USD", decimal.NewFromInt(1)),
			MaxAmountUSD:        getEnvDecimal("MAX_AMOUNT_USD", decimal.NewFromInt(1000)),
			ExternalCallTimeout: getEnvDuration("EXTERNAL_CALL_TIMEOUT", 20*time.Second),
			CompensationTimeout: getEnvDuration("COMPENSATION_TIMEOUT", 30*time.Second),
		},
		Webhook: WebhookConfig{
			MaxSkew: getEnvDuration("WEBHOOK_MAX_SKEW", 5*time.Minute),
		},
	}

	rates, err := ParseRates(getEnv("FX_RATES", "KES/USD=0.0077,UGX/USD=0.00027,TZS/USD=0.00037"))
	if err != nil {
		return nil, fmt.Errorf("FX_RATES: %w", err)
	}
	cfg.Money.FXRates = rates

	vaults, err := ParseVaults(getEnv("VAULTS", ""))
	if err != nil {
		return nil, fmt.Errorf("VAULTS: %w", err)
	}
	cfg.Vaults = vaults

	if cfg.Auth.OTPSecret == "" {
		if cfg.Server.Env == "production" {
			return nil, fmt.Errorf("OTP_SECRET is required in production")
		}
		logger.Warn("OTP_SECRET not set, using development secret")
		cfg.Auth.OTPSecret = "dev-otp-secret"
	}

	logger.Info("configuration loaded",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port),
		zap.Bool("mpesa_enabled", cfg.Mpesa.Enabled),
		zap.Bool("ramp_enabled", cfg.Ramp.Enabled),
		zap.Bool("kafka_enabled", cfg.Kafka.Enabled),
		zap.Int("vaults", len(cfg.Vaults)),
		zap.Int("fx_pairs", len(cfg.Money.FXRates)))

	return cfg, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%d",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode, c.MaxConns,
	)
}

// MigrateURL is the DSN form golang-migrate's postgres driver expects.
func (c *DatabaseConfig) MigrateURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// ParseRates parses "FROM/TO=rate,..." into a map keyed "FROM/TO".
func ParseRates(raw string) (map[string]decimal.Decimal, error) {
	rates := make(map[string]decimal.Decimal)
	for _, part := range splitList(raw) {
		pair, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed rate %q", part)
		}
		from, to, ok := strings.Cut(strings.TrimSpace(pair), "/")
		if !ok || from == "" || to == "" {
			return nil, fmt.Errorf("malformed pair %q", pair)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil || !rate.IsPositive() {
			return nil, fmt.Errorf("invalid rate for %s", pair)
		}
		rates[strings.ToUpper(from)+"/"+strings.ToUpper(to)] = rate
	}
	return rates, nil
}

// ParseVaults parses "id:name:address,..." entries.
func ParseVaults(raw string) ([]VaultConfig, error) {
	var vaults []VaultConfig
	for _, part := range splitList(raw) {
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed vault %q", part)
		}
		vaults = append(vaults, VaultConfig{
			ID:      strings.TrimSpace(fields[0]),
			Name:    strings.TrimSpace(fields[1]),
			Address: strings.TrimSpace(fields[2]),
		})
	}
	return vaults, nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolVal, err := strconv.ParseBool(value)
		if err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return splitList(value)
	}
	return defaultValue
}
