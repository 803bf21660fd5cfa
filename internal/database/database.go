package database

import (
	"fmt"
	"time"

	"call-trade-bot-go/internal/config"
	"call-trade-bot-go/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// activeTradeIndex makes the (user, token) single-open-position rule a database constraint.
const activeTradeIndex = `CREATE UNIQUE INDEX IF NOT EXISTS ux_trades_user_token_active
	ON trades (user_id, token_address) WHERE status = 'ACTIVE' AND deleted_at IS NULL`

// NewDatabase creates a new database connection and performs auto-migration.
func NewDatabase(cfg config.Database) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	// sqlite stores timestamps as text with their offset, so every write is kept in UTC
	// for created_at comparisons to order correctly.
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// AutoMigrate creates or updates the tables used by the engine. Existing rows are kept.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Call{}, &models.UserTradingConfig{}, &models.Trade{}, &models.IngestCursor{}); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	if err := db.Exec(activeTradeIndex).Error; err != nil {
		return fmt.Errorf("failed to create active trade index: %w", err)
	}
	return nil
}
