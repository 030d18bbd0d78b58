package database

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"omnichat-go/pkg/log"
)

// NewSQLite 打开嵌入式 SQLite 数据库，文件所在目录不存在时自动创建。
func NewSQLite(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite dir: %w", err)
		}
	}
	dsn := path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// SQLite 同一时刻只允许一个写者
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	log.Infof("SQLite database opened at %s", path)
	return db, nil
}

// Open 根据驱动名选择 MySQL 或 SQLite。
func Open(driver, mysqlDSN, sqlitePath string) (*gorm.DB, error) {
	switch driver {
	case "mysql":
		return NewMySQL(mysqlDSN)
	case "sqlite":
		return NewSQLite(sqlitePath)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
