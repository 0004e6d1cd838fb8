package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Remote    RemoteConfig
	Sync      SyncConfig
	Session   SessionConfig
	Progress  ProgressConfig
	Scoring   ScoringConfig
	JWT       JWTConfig
	Log       LogConfig
	Tracing   TracingConfig   `mapstructure:"tracing"`
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// 运行时标志（非配置文件，通过命令行参数设置）
	MigrateOnly bool `mapstructure:"-"`
}

type ServerConfig struct {
	Port     string
	Mode     string
	ReadWait time.Duration `mapstructure:"read_wait"`
}

type DatabaseConfig struct {
	Driver    string // sqlite | mysql
	Path      string // sqlite file
	Host      string
	Port      int
	User      string
	Password  string
	DBName    string
	Charset   string
	ParseTime bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type RemoteConfig struct {
	Type      string // redis | memory
	Namespace string
}

type SyncConfig struct {
	StalenessWindow time.Duration `mapstructure:"staleness_window"`
	Queue           string        // memory | redis
	Workers         int
	WatchDebounce   time.Duration `mapstructure:"watch_debounce"`
	Stream          string
	Group           string
}

type SessionConfig struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	SubmittedRetention time.Duration `mapstructure:"submitted_retention"`
}

type ProgressConfig struct {
	MinCompletionSeconds int `mapstructure:"min_completion_seconds"`
}

type ScoringConfig struct {
	EssayPolicy string `mapstructure:"essay_policy"` // containment | manual
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type LogConfig struct {
	File       string
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
	MaxAgeDays int `mapstructure:"max_age_days"`
}

type TracingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CollectorEndpoint string `mapstructure:"collector_endpoint"`
}

type CORSConfig struct {
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	AllowedMethods []string      `mapstructure:"allowed_methods"`
	AllowedHeaders []string      `mapstructure:"allowed_headers"`
	MaxAge         time.Duration `mapstructure:"max_age"`
}

type RateLimitConfig struct {
	MaxRequests     int `mapstructure:"max_requests"`
	WindowMinutes   int `mapstructure:"window_minutes"`
	UserMaxRequests int `mapstructure:"user_max_requests"` // 按用户计数，作用于聊天与 /api/ws
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_wait", 2*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/cache.db")
	v.SetDefault("database.charset", "utf8mb4")
	v.SetDefault("database.parsetime", true)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("remote.type", "memory")
	v.SetDefault("remote.namespace", "classroom")

	v.SetDefault("sync.staleness_window", 5*time.Minute)
	v.SetDefault("sync.queue", "memory")
	v.SetDefault("sync.workers", 2)
	v.SetDefault("sync.watch_debounce", 500*time.Millisecond)
	v.SetDefault("sync.stream", "classroom:propagation:stream")
	v.SetDefault("sync.group", "classroom:propagation:group")

	v.SetDefault("session.tick_interval", time.Second)
	v.SetDefault("session.submitted_retention", 10*time.Minute)
	v.SetDefault("progress.min_completion_seconds", 60)
	v.SetDefault("scoring.essay_policy", "containment")

	v.SetDefault("log.file", "logs/app.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("rate_limit.max_requests", 6000)
	v.SetDefault("rate_limit.window_minutes", 1)
	v.SetDefault("rate_limit.user_max_requests", 600)
	v.SetDefault("cors.max_age", 12*time.Hour)
}

// LoadConfig 读取 path 目录下的 config.yaml，文件缺失时使用默认值
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("CLASSROOM_SYNC")
	v.AutomaticEnv()
	setDefaults(v)

	// Database
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.path", "DATABASE_PATH")
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.port", "DATABASE_PORT")
	v.BindEnv("database.user", "DATABASE_USER")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("database.dbname", "DATABASE_NAME")

	// Redis
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// Remote / sync
	v.BindEnv("remote.type", "REMOTE_TYPE")
	v.BindEnv("sync.queue", "SYNC_QUEUE")
	v.BindEnv("sync.staleness_window", "SYNC_STALENESS_WINDOW")

	// Server
	v.BindEnv("server.mode", "SERVER_MODE")
	v.BindEnv("server.port", "SERVER_PORT")

	// JWT
	v.BindEnv("jwt.secret", "JWT_SECRET")

	// Tracing
	v.BindEnv("tracing.enabled", "TRACING_ENABLED")
	v.BindEnv("tracing.collector_endpoint", "TRACING_COLLECTOR_ENDPOINT")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Database.Driver == "sqlite" {
		if dir := filepath.Dir(cfg.Database.Path); dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				os.MkdirAll(dir, 0755)
			}
		}
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Remote.Type {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported remote store type %q", c.Remote.Type)
	}
	switch c.Sync.Queue {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported propagation queue %q", c.Sync.Queue)
	}
	if c.Sync.StalenessWindow < 0 {
		return fmt.Errorf("sync.staleness_window must not be negative")
	}
	if c.Sync.Workers <= 0 {
		c.Sync.Workers = 1
	}
	if c.Session.TickInterval <= 0 {
		c.Session.TickInterval = time.Second
	}
	if c.Session.SubmittedRetention <= 0 {
		c.Session.SubmittedRetention = 10 * time.Minute
	}
	if c.RateLimit.UserMaxRequests < 0 {
		return fmt.Errorf("rate_limit.user_max_requests must not be negative")
	}

	// 生产环境校验 JWT Secret 强度
	if c.Server.Mode == "release" && len(c.JWT.Secret) < 32 {
		return fmt.Errorf("JWT secret is too short (%d chars), must be at least 32 characters in release mode", len(c.JWT.Secret))
	}
	return nil
}
