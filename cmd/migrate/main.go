// cmd/migrate/main.go
package main

import (
	"flag"
	"fmt"

	"ussd-service/config"
	"ussd-service/internal/db/migrate"

	"go.uber.org/zap"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	if err := migrate.Run(cfg.Database.MigrateURL(), *direction); err != nil {
		logger.Fatal("migration failed", zap.String("direction", *direction), zap.Error(err))
	}
	logger.Info("migrations applied",
		zap.String("direction", *direction),
		zap.String("database", cfg.Database.DBName))
}
