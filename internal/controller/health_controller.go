package controller

import (
	"classroom_sync_backend/internal/model"
	"classroom_sync_backend/internal/remote"
	"classroom_sync_backend/internal/repository"
	"classroom_sync_backend/internal/util"
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

type HealthController struct {
	DB     *gorm.DB
	Redis  *redis.Client
	Remote remote.Store
}

func NewHealthController(db *gorm.DB, rdb *redis.Client, store remote.Store) *HealthController {
	return &HealthController{DB: db, Redis: rdb, Remote: store}
}

// @Summary 健康检查
// @Description 本地缓存必须可用；远端不可用时服务降级为离线模式，仍返回 200
// @Tags 系统
// @Produce json
// @Success 200 {object} util.Response
// @Router /api/health [get]
func (c *HealthController) HealthCheck(ctx *gin.Context) {
	// 检查数据库连接
	sqlDB, err := c.DB.DB()
	if err != nil {
		util.InternalServerError(ctx)
		return
	}

	if err := sqlDB.Ping(); err != nil {
		util.Error(ctx, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	components := gin.H{"database": "up", "remote": "up"}
	if c.Redis != nil {
		components["redis"] = "up"
		if err := c.Redis.Ping(pingCtx).Err(); err != nil {
			components["redis"] = "down"
		}
	}
	if c.Remote != nil {
		if _, err := c.Remote.Get(pingCtx, model.User{}.Collection(), "__health__"); err != nil {
			components["remote"] = "down"
		}
	}

	pending, err := repository.NewSyncRepository(c.DB.WithContext(ctx.Request.Context())).CountPending()
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}

	util.Success(ctx, gin.H{
		"status":        "ok",
		"components":    components,
		"pendingWrites": pending,
	})
}
