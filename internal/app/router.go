package app

import (
	"classroom_sync_backend/internal/config"
	"classroom_sync_backend/internal/middleware"
	"classroom_sync_backend/internal/model"
	"classroom_sync_backend/pkg/monitoring"

	"github.com/gin-gonic/gin"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	router.GET("/metrics", monitoring.PrometheusHandler())

	// 1. 公共路由(无需登录)
	router.GET("/api/health", c.health.HealthCheck)

	// 2. 需要授权的路由
	authGroup := router.Group("/api")
	authGroup.Use(middleware.AuthMiddleware(cfg))
	perUser := a.userRateLimit(cfg)
	{
		a.registerChatRoutes(authGroup, c, perUser)
		a.registerStudentRoutes(authGroup, c)

		authGroup.POST("/sync/:unit", c.sync.SyncUnit)
		authGroup.GET("/ws", perUser, c.chat.WebSocket)
	}

	// 3. 管理员相关接口
	admin := router.Group("/api/admin")
	admin.Use(middleware.AuthMiddleware(cfg), middleware.RoleMiddleware(model.Admin))
	{
		admin.GET("/pending-writes", c.sync.ListPending)
	}
}

func (a *App) registerChatRoutes(rg *gin.RouterGroup, c *controllers, limit gin.HandlerFunc) {
	conversations := rg.Group("/conversations", limit)
	{
		conversations.GET("", c.chat.GetConversations)
		conversations.POST("/direct", c.chat.GetOrCreateDirect)
		conversations.POST("/group", c.chat.CreateGroup)
		conversations.POST("/:id/messages", c.chat.SendMessage)
		conversations.GET("/:id/messages", c.chat.GetMessages)
		conversations.POST("/:id/view", c.chat.MarkViewed)
		conversations.PUT("/:id/mute", c.chat.SetMuted)
		conversations.DELETE("/:id", c.chat.DeleteConversation)
	}
}

func (a *App) registerStudentRoutes(rg *gin.RouterGroup, c *controllers) {
	// 读模型
	rg.GET("/students/:id/dashboard", c.dashboard.GetDashboard)
	rg.GET("/students/:id/subjects", c.dashboard.GetSubjectStats)
	rg.GET("/students/:id/activity", c.dashboard.GetRecentActivity)
	rg.GET("/parents/me/children", middleware.RoleMiddleware(model.Parent), c.dashboard.GetChildren)
	rg.GET("/minigames/:id/leaderboard", c.dashboard.GetLeaderboard)

	// 测评结果
	rg.POST("/results", c.assessment.SubmitResult)
	rg.GET("/results/:id/review", c.assessment.ReviewResult)
	rg.GET("/assessments/:id/attempts", c.assessment.GetAttempts)

	// 学习进度
	rg.PUT("/progress/lessons/:lessonId", c.learning.UpdateLessonProgress)
	rg.POST("/study-time", c.learning.AddStudyTime)

	// 作答会话
	sessions := rg.Group("/sessions")
	{
		sessions.POST("", c.session.StartSession)
		sessions.GET("/:id", c.session.GetSession)
		sessions.PUT("/:id/answers", c.session.SetAnswer)
		sessions.POST("/:id/submit", c.session.Submit)
		sessions.DELETE("/:id", c.session.ExitSession)
	}
}
