// internal/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ussd-service/config"
	"ussd-service/internal/custody"
	"ussd-service/internal/fx"
	"ussd-service/internal/handler"
	"ussd-service/internal/menu"
	"ussd-service/internal/provider"
	"ussd-service/internal/provider/mpesa"
	"ussd-service/internal/provider/ramp"
	"ussd-service/internal/pub"
	"ussd-service/internal/rate"
	"ussd-service/internal/repository"
	"ussd-service/internal/router"
	"ussd-service/internal/service/sms"
	"ussd-service/internal/usecase/auth"
	"ussd-service/internal/usecase/callback"
	"ussd-service/internal/usecase/transaction"
	"ussd-service/pkg/breaker"
	"ussd-service/pkg/cache"
	"ussd-service/pkg/lock"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const ussdRateNamespace = "ussd_rate"

type publisher interface {
	transaction.Publisher
	Close() error
}

// Server owns every long-lived dependency and closes them on Shutdown.
type Server struct {
	http      *http.Server
	db        *pgxpool.Pool
	cache     *cache.Cache
	publisher publisher
	logger    *zap.Logger
}

// New connects to Postgres and Redis and wires the service graph.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	dbPool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("connected to database", zap.String("database", cfg.Database.DBName))

	c := cache.NewCache(cfg.Redis.Addrs, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Cluster)
	if err := c.Ping(ctx); err != nil {
		dbPool.Close()
		_ = c.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("connected to redis", zap.Strings("addrs", cfg.Redis.Addrs))

	// repositories
	accountRepo := repository.NewAccountRepository(dbPool)
	txRepo := repository.NewTransactionRepository(dbPool)
	sessionRepo := repository.NewSessionRepository(c, cfg.USSD.SessionTTL)
	otpRepo := repository.NewOTPRepository(c)
	authSessionRepo := repository.NewAuthSessionRepository(c)

	// outbound adapters
	var smsSender transaction.Notifier = sms.NewLogClient(logger)
	if cfg.SMS.Enabled {
		smsSender = sms.NewClient(cfg.SMS, logger)
	}

	var events publisher = pub.NewLogPublisher(logger)
	if cfg.Kafka.Enabled {
		events = pub.NewKafkaPublisher(cfg.Kafka, logger)
	}

	custodyClient := custody.NewHTTPClient(cfg.Custody, logger)

	providers, mpesaProvider := buildProviders(cfg, logger)
	logger.Info("settlement providers ready", zap.Strings("providers", providers.Names()))

	// a lock must outlive the saga it guards, including compensation
	lockOpts := lock.DefaultOptions()
	lockOpts.Expiry = 4*cfg.Money.ExternalCallTimeout + cfg.Money.CompensationTimeout
	locker := lock.NewRedisLocker(c.Client(), lockOpts, logger)

	// usecases
	authService := auth.NewService(
		accountRepo,
		otpRepo,
		authSessionRepo,
		rate.NewLimiter(c, auth.OTPRateNamespace, cfg.Auth.OTPIssueLimit, cfg.Auth.OTPIssueWindow),
		smsSender,
		cfg.Auth,
		cfg.USSD.DefaultCountry,
		logger,
	)

	txService := transaction.NewService(
		txRepo,
		accountRepo,
		custodyClient,
		providers,
		fx.NewConverter(cfg.Money.FXRates),
		locker,
		events,
		smsSender,
		transaction.ConfigFrom(cfg),
		logger,
	)

	reconciler := callback.NewReconciler(txRepo, txService, providers, locker, logger)
	machine := menu.NewMachine(authService, txService, cfg.USSD.AppName, logger)

	// handlers
	var verifier handler.CallbackVerifier = rejectCallbacks{}
	if mpesaProvider != nil {
		verifier = mpesaProvider
	}

	handlers := router.Handlers{
		USSD:         handler.NewUSSDHandler(sessionRepo, authService, txService, machine, logger),
		Webhook:      handler.NewWebhookHandler(reconciler, webhookSecrets(cfg), cfg.Webhook.MaxSkew, logger),
		Callback:     handler.NewCallbackHandler(reconciler, verifier, logger),
		Auth:         handler.NewAuthHandler(authService, logger),
		Transactions: handler.NewTransactionHandler(txService, reconciler, authService, logger),
		Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"postgres": dbPool,
			"redis":    c,
		}, logger),
	}

	throttle := rate.NewLimiter(c, ussdRateNamespace, cfg.USSD.RateLimit, cfg.USSD.RateWindow)
	r := router.SetupRoutes(handlers, authService, throttle, logger)

	return &Server{
		http: &http.Server{
			Addr:         ":" + cfg.Server.Port,
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 90 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		db:        dbPool,
		cache:     c,
		publisher: events,
		logger:    logger,
	}, nil
}

// buildProviders registers every enabled settlement provider behind a
// circuit breaker. The raw M-Pesa provider is returned for callback checks.
func buildProviders(cfg *config.Config, logger *zap.Logger) (*provider.Registry, *mpesa.Provider) {
	var (
		list   []provider.SettlementProvider
		daraja *mpesa.Provider
	)

	if cfg.Mpesa.Enabled {
		daraja = mpesa.NewProvider(mpesa.NewClient(cfg.Mpesa), cfg.Mpesa, logger)
		list = append(list, provider.WithBreaker(daraja, breaker.DefaultConfig(), logger))
	}
	if cfg.Ramp.Enabled {
		list = append(list, provider.WithBreaker(ramp.NewProvider(cfg.Ramp, logger), breaker.DefaultConfig(), logger))
	}
	return provider.NewRegistry(list...), daraja
}

func webhookSecrets(cfg *config.Config) map[string]string {
	secrets := make(map[string]string)
	if cfg.Mpesa.Enabled && cfg.Mpesa.WebhookSecret != "" {
		secrets[mpesa.Name] = cfg.Mpesa.WebhookSecret
	}
	if cfg.Ramp.Enabled && cfg.Ramp.WebhookSecret != "" {
		secrets[cfg.Ramp.Name] = cfg.Ramp.WebhookSecret
	}
	return secrets
}

type rejectCallbacks struct{}

func (rejectCallbacks) VerifyCallback(string, string) bool { return false }

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("server starting", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and then closes the stores.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	if cerr := s.publisher.Close(); cerr != nil {
		s.logger.Warn("failed to close publisher", zap.Error(cerr))
	}
	if cerr := s.cache.Close(); cerr != nil {
		s.logger.Warn("failed to close redis", zap.Error(cerr))
	}
	s.db.Close()
	return err
}
