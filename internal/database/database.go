package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmetk3436/ollachat/internal/config"
	"github.com/ahmetk3436/ollachat/internal/models"
	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func Connect(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("Database connected", "host", cfg.DBHost, "db", cfg.DBName)
	return db, nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Conversation{},
		&models.Message{},
		&models.ModelChange{},
		&models.UserSettings{},
	)
}

// ConnectRedis returns nil when the cache is not configured or unreachable.
// Callers treat a nil client as "no cache".
func ConnectRedis(cfg *config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("Redis unreachable, continuing without message cache", "addr", cfg.RedisAddr, "error", err)
		rdb.Close()
		return nil
	}

	slog.Info("Redis connected", "addr", cfg.RedisAddr)
	return rdb
}
