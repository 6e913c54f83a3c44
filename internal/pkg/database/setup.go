package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/POSBridge/app/models"
	"github.com/ManuelReschke/POSBridge/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

// DB is the shared connection opened by SetupDatabase.
var DB *gorm.DB

// Models lists every table of the integration, in dependency order.
func Models() []interface{} {
	return []interface{}{
		&models.Restaurant{},
		&models.POSConnection{},
		&models.RawRecord{},
		&models.InventoryItem{},
		&models.SalesTransaction{},
	}
}

// DSN builds the MySQL data source name from DB_* settings.
func DSN() string {
	// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=UTC"
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)
}

// SetupDatabase connects with retries and, unless DB_AUTO_MIGRATE=false,
// auto-migrates the integration tables. Production schemas come from cmd/migrate.
func SetupDatabase() error {
	var err error
	logLevel := logger.Warn
	if env.IsDev() {
		logLevel = logger.Info
	}

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       DSN(),
			DefaultStringSize:         256,
			DisableDatetimePrecision:  true,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), &gorm.Config{Logger: logger.Default.LogMode(logLevel)})
		if err == nil {
			break
		}

		log.Warnf("[Database] Failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	if env.GetBool("DB_AUTO_MIGRATE", true) {
		if err := DB.AutoMigrate(Models()...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}
	return nil
}

// GetDB returns the shared connection
func GetDB() *gorm.DB {
	return DB
}
