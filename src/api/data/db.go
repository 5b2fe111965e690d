package data

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/stake-plus/infra402/src/api/types"
)

var allModels = []interface{}{
	&types.Lease{},
}

// Open connects gorm to either a local sqlite file or MySQL.
func Open(driver, target string) (*gorm.DB, error) {
	gormLogger := logger.New(
		log.New(log.Writer(), "\r\n", log.LstdFlags),
		logger.Config{SlowThreshold: time.Second, LogLevel: logger.Warn, IgnoreRecordNotFoundError: true, Colorful: false},
	)
	cfg := &gorm.Config{Logger: gormLogger}

	switch driver {
	case "mysql":
		dsn := ensureParam(target, "parseTime", "true")
		dsn = ensureParam(dsn, "loc", "UTC")
		if !strings.Contains(dsn, "charset=") {
			dsn = ensureParam(dsn, "charset", "utf8mb4")
			dsn = ensureParam(dsn, "collation", "utf8mb4_unicode_ci")
		}
		return gorm.Open(mysql.Open(dsn), cfg)
	case "sqlite", "":
		if target != ":memory:" && !strings.HasPrefix(target, "file:") {
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, fmt.Errorf("sqlite dir: %w", err)
			}
			if !strings.Contains(target, "?") {
				target += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
			}
		}
		db, err := gorm.Open(sqlite.Open(target), cfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite allows one writer; a single connection also keeps
		// ":memory:" databases shared across calls.
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", driver)
	}
}

// Migrate creates or updates the lease schema. Lease history is never
// dropped, so unlike a cache schema there is no drop-and-recreate fallback.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(allModels...)
}

func ensureParam(dsn, key, val string) string {
	if strings.Contains(dsn, key+"=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + key + "=" + val
}
