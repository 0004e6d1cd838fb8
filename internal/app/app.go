package app

import (
	"classroom_sync_backend/internal/config"
	"classroom_sync_backend/internal/controller"
	"classroom_sync_backend/internal/remote"
	"classroom_sync_backend/internal/repository"
	"classroom_sync_backend/internal/scoring"
	"classroom_sync_backend/internal/service"
	"classroom_sync_backend/internal/util"
	"classroom_sync_backend/pkg/configwatcher"
	"classroom_sync_backend/pkg/database"
	"classroom_sync_backend/pkg/logger"
	"classroom_sync_backend/pkg/monitoring"
	"classroom_sync_backend/pkg/security"
	"classroom_sync_backend/pkg/tracing"
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const configFile = "configs/config.yaml"

type App struct {
	Config *config.Config
	Router *gin.Engine
	DB     *gorm.DB
	Redis  *redis.Client

	services        *services
	tracer          *sdktrace.TracerProvider
	ctx             context.Context
	cancel          context.CancelFunc
	configCallbacks []func(*config.Config)
}

type services struct {
	feed        *repository.ChangeFeed
	locks       *util.KeyedLocker
	remote      remote.Store
	engine      *scoring.Engine
	reconciler  *service.Reconciler
	propagator  *service.Propagator
	studyTime   *service.StudyTimeService
	progress    *service.ProgressService
	submissions *service.SubmissionService
	chat        *service.ChatService
	views       *service.ViewService
	sessions    *service.SessionManager
	hub         *service.ReadModelHub
}

type controllers struct {
	chat       *controller.ChatController
	dashboard  *controller.DashboardController
	assessment *controller.AssessmentController
	learning   *controller.LearningController
	session    *controller.SessionController
	sync       *controller.SyncController
	health     *controller.HealthController
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configCallbacks = append(a.configCallbacks, callback)
}

func (a *App) initRemote(cfg *config.Config, rdb *redis.Client) (remote.Store, error) {
	if cfg.Remote.Type == "redis" {
		if rdb == nil {
			return nil, errors.New("remote.type=redis requires a reachable redis")
		}
		return remote.NewRedisStore(rdb, cfg.Remote.Namespace), nil
	}
	return remote.NewMemoryStore(), nil
}

func (a *App) initQueue(cfg *config.Config, rdb *redis.Client) (service.PropagationQueue, error) {
	if cfg.Sync.Queue == "redis" {
		if rdb == nil {
			return nil, errors.New("sync.queue=redis requires a reachable redis")
		}
		return service.NewRedisStreamQueue(rdb, cfg.Sync.Stream, cfg.Sync.Group), nil
	}
	return service.NewChannelQueue(1024), nil
}

func (a *App) initServices(cfg *config.Config, db *gorm.DB, store remote.Store, queue service.PropagationQueue) *services {
	s := &services{
		feed:   repository.NewChangeFeed(),
		locks:  util.NewKeyedLocker(),
		remote: store,
		engine: scoring.NewEngine(scoring.ParseEssayPolicy(cfg.Scoring.EssayPolicy)),
	}

	s.reconciler = service.NewReconciler(db, store, s.feed, s.locks, service.ReconcilerConfig{
		StalenessWindow: cfg.Sync.StalenessWindow,
		WatchDebounce:   cfg.Sync.WatchDebounce,
	})
	s.propagator = service.NewPropagator(queue, s.reconciler, cfg.Sync.Workers)
	s.studyTime = service.NewStudyTimeService(db, s.feed, s.locks, s.propagator)
	s.progress = service.NewProgressService(db, s.feed, s.locks, s.propagator, s.studyTime, cfg.Progress.MinCompletionSeconds)
	s.submissions = service.NewSubmissionService(db, s.feed, s.locks, s.engine, s.reconciler, s.propagator, s.studyTime)
	s.chat = service.NewChatService(db, s.feed, s.locks, store, s.reconciler, s.propagator)
	s.views = service.NewViewService(db, s.feed, s.reconciler)
	s.sessions = service.NewSessionManager(s.submissions, cfg.Session.TickInterval)
	s.sessions.SetSubmittedRetention(cfg.Session.SubmittedRetention)
	s.hub = service.NewReadModelHub(s.views)

	return s
}

func (a *App) initControllers(s *services, db *gorm.DB) *controllers {
	return &controllers{
		chat:       controller.NewChatController(s.chat, s.views, s.hub, a.Config),
		dashboard:  controller.NewDashboardController(s.views, a.Config.Server.ReadWait),
		assessment: controller.NewAssessmentController(s.submissions, s.views),
		learning:   controller.NewLearningController(s.progress, s.studyTime),
		session:    controller.NewSessionController(s.sessions),
		sync:       controller.NewSyncController(s.reconciler),
		health:     controller.NewHealthController(db, a.Redis, s.remote),
	}
}

// registerConfigCallbacks 只有运行期可安全调整的配置项支持热更新
func (a *App) registerConfigCallbacks(s *services) {
	a.RegisterConfigCallback(func(cfg *config.Config) {
		s.reconciler.SetStalenessWindow(cfg.Sync.StalenessWindow)
		s.engine.SetEssayPolicy(scoring.ParseEssayPolicy(cfg.Scoring.EssayPolicy))
		s.sessions.SetTickInterval(cfg.Session.TickInterval)
		s.sessions.SetSubmittedRetention(cfg.Session.SubmittedRetention)
		logger.Log.Info("Runtime settings updated",
			zap.Duration("stalenessWindow", cfg.Sync.StalenessWindow),
			zap.String("essayPolicy", cfg.Scoring.EssayPolicy),
			zap.Duration("tickInterval", cfg.Session.TickInterval))
	})
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(security.CORSOptions{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: cfg.CORS.AllowedMethods,
		AllowedHeaders: cfg.CORS.AllowedHeaders,
		MaxAge:         cfg.CORS.MaxAge,
	}))
	router.Use(security.Secure())
	router.Use(security.RateLimiter(a.ctx, cfg.RateLimit.MaxRequests, a.rateWindow(cfg), security.ByClientIP))

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

func (a *App) rateWindow(cfg *config.Config) time.Duration {
	return time.Duration(cfg.RateLimit.WindowMinutes) * time.Minute
}

// userRateLimit 挂在认证之后，同一用户的多台设备共用额度
func (a *App) userRateLimit(cfg *config.Config) gin.HandlerFunc {
	if cfg.RateLimit.UserMaxRequests == 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return security.RateLimiter(a.ctx, cfg.RateLimit.UserMaxRequests, a.rateWindow(cfg), security.ByUser(util.CurrentUserID))
}

func (a *App) startBackgroundTasks(s *services) {
	s.propagator.Start(a.ctx)
	go s.hub.Run(a.ctx)

	// 启动时补推上次退出前未确认的写入
	go func() {
		writes, err := repository.NewSyncRepository(a.DB).AllPending()
		if err != nil {
			logger.Log.Error("Failed to load pending writes", zap.Error(err))
			return
		}
		seen := make(map[string]struct{})
		for _, w := range writes {
			if _, ok := seen[w.UnitKey]; ok {
				continue
			}
			seen[w.UnitKey] = struct{}{}
			s.propagator.Notify(a.ctx, service.UnitKey(w.UnitKey))
		}
		if len(seen) > 0 {
			logger.Log.Info("Resuming pending writes", zap.Int("writes", len(writes)), zap.Int("units", len(seen)))
		}
	}()
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)
	defer logger.Log.Sync()

	logger.Log.Info("Logger initialized successfully")

	db, err := database.InitDB(&cfg.Database, cfg.Server.Mode == "debug")
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config: cfg,
		DB:     db,
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.MigrateOnly {
		return app
	}

	// redis 只在远端存储或传播队列需要时连接
	if cfg.Remote.Type == "redis" || cfg.Sync.Queue == "redis" {
		rdb, err := database.InitRedis(&cfg.Redis)
		if err != nil {
			logger.Log.Fatal("Failed to initialize redis", zap.Error(err))
		}
		app.Redis = rdb
	}

	store, err := app.initRemote(cfg, app.Redis)
	if err != nil {
		logger.Log.Fatal("Failed to initialize remote store", zap.Error(err))
	}
	queue, err := app.initQueue(cfg, app.Redis)
	if err != nil {
		logger.Log.Fatal("Failed to initialize propagation queue", zap.Error(err))
	}

	s := app.initServices(cfg, db, store, queue)
	app.services = s
	app.registerConfigCallbacks(s)
	controllers := app.initControllers(s, db)

	// 监控初始化
	monitoring.Init()

	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())
	app.Router = router

	app.setupMiddlewares(router, cfg)

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer("classroom-sync", cfg.Tracing.CollectorEndpoint)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		app.tracer = tp
	}

	app.registerRoutes(router, controllers, cfg)
	app.startBackgroundTasks(s)

	return app
}

func (a *App) watchConfig() {
	if _, err := os.Stat(configFile); err != nil {
		logger.Log.Info("No config file to watch", zap.String("file", configFile))
		return
	}
	go func() {
		err := configwatcher.WatchConfig(a.ctx, filepath.Clean(configFile), func(cfg *config.Config) {
			for _, cb := range a.configCallbacks {
				cb(cfg)
			}
		})
		if err != nil {
			logger.Log.Error("Config watcher stopped", zap.Error(err))
		}
	}()
}

func (a *App) Run() {
	srv := &http.Server{
		Addr:    ":" + a.Config.Server.Port,
		Handler: a.Router,
	}

	a.watchConfig()

	// 启动服务器
	go func() {
		logger.Log.Info("Server running", zap.String("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("listen failed", zap.Error(err))
		}
	}()

	// 等待中断信号优雅地关闭服务器（设置5秒的超时时间）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info("Shutting down server...")

	// 先停止计时会话与 websocket，再停止传播队列
	a.services.sessions.Close()
	a.services.hub.Stop()
	a.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Error("Server forced to shutdown", zap.Error(err))
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}

	logger.Log.Info("Server exiting")
}
