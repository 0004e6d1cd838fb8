// Package testutil 为测试打开独立的 SQLite 缓存库
package testutil

import (
	"classroom_sync_backend/internal/config"
	"classroom_sync_backend/pkg/database"
	"path/filepath"
	"testing"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenCache 每个测试一个新库文件，走与生产相同的打开与迁移路径
func OpenCache(t testing.TB) *gorm.DB {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "cache.db"),
	}
	db, err := database.OpenCache(cfg, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate cache: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}
