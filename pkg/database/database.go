package database

import (
	"classroom_sync_backend/internal/config"
	"classroom_sync_backend/internal/model"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB 打开本地缓存库并执行迁移
func InitDB(cfg *config.DatabaseConfig, debug bool) (*gorm.DB, error) {
	level := logger.Warn
	if debug {
		level = logger.Info
	}

	db, err := OpenCache(cfg, &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, err
	}

	log.Println("Database connection established")

	if err := Migrate(db); err != nil {
		return nil, err
	}

	log.Println("Database migration completed")
	return db, nil
}

// OpenCache 按驱动打开连接；sqlite 只保留一个连接，写事务天然串行
func OpenCache(cfg *config.DatabaseConfig, gormCfg *gorm.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", cfg.Path)
		dialector = sqlite.Open(dsn)
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=%t&loc=UTC",
			cfg.User,
			cfg.Password,
			cfg.Host,
			cfg.Port,
			cfg.DBName,
			cfg.Charset,
			cfg.ParseTime,
		)
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if gormCfg == nil {
		gormCfg = &gorm.Config{}
	}
	// 唯一约束冲突统一为 gorm.ErrDuplicatedKey；时间统一存 UTC，保证跨设备比较一致
	gormCfg.TranslateError = true
	if gormCfg.NowFunc == nil {
		gormCfg.NowFunc = func() time.Time { return time.Now().UTC() }
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, err
	}

	if cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.User{},
		&model.Class{},
		&model.ClassEnrollment{},
		&model.ParentStudentLink{},
		&model.Lesson{},
		&model.Assessment{},
		&model.Question{},
		&model.Option{},
		&model.StudentResult{},
		&model.StudentAnswer{},
		&model.Conversation{},
		&model.ConversationParticipant{},
		&model.Message{},
		&model.StudentLessonProgress{},
		&model.DailyStudyTime{},
		&model.SyncState{},
		&model.PendingWrite{},
	)
}
