package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/config"
)

const maxRetries = 5

var retryDelay = 5 * time.Second

// Open connects to the configured database, retrying while it comes up, and
// migrates the billing tables.
func Open(cfg config.DatabaseConfig, debug bool) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Warn),
	}
	if debug {
		gormCfg.Logger = logger.Default.LogMode(logger.Info)
	}

	var (
		db  *gorm.DB
		err error
	)
	for i := 0; i < maxRetries; i++ {
		db, err = gorm.Open(dialector(cfg), gormCfg)
		if err == nil {
			break
		}

		log.Warnf("[Database] Failed to connect to %s (try %d/%d): %v", cfg.Driver, i+1, maxRetries, err)
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// sqlite serializes writers; one connection avoids "database is locked".
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	log.Infof("[Database] Connected (%s)", cfg.Driver)
	return db, nil
}

func dialector(cfg config.DatabaseConfig) gorm.Dialector {
	if cfg.Driver == "sqlite" {
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "payfox.db"
		}
		return sqlite.Open(dsn)
	}
	return mysql.New(mysql.Config{
		DSN:                       cfg.MySQLDSN(),
		DefaultStringSize:         256,  // default size for string fields
		DisableDatetimePrecision:  true, // disable datetime precision, which not supported before MySQL 5.6
		DontSupportRenameIndex:    true, // drop & create when rename index, rename index not supported before MySQL 5.7, MariaDB
		DontSupportRenameColumn:   true, // `change` when rename column, rename column not supported before MySQL 8, MariaDB
		SkipInitializeWithVersion: false,
	})
}

// Migrate creates or updates the tables owned by the billing service.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.BillingSubscription{},
		&models.BillingOrder{},
		&models.BillingWebhookEvent{},
		&models.BillingEntitlement{},
		&models.BillingEmailDelivery{},
		&models.BillingPayment{},
		&models.BillingPlanMapping{},
		&models.BillingEffectFailure{},
		&models.BillingWebhookStat{},
	); err != nil {
		return fmt.Errorf("migrate billing tables: %w", err)
	}
	return nil
}
