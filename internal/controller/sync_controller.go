package controller

import (
	"classroom_sync_backend/internal/repository"
	"classroom_sync_backend/internal/service"
	"classroom_sync_backend/internal/util"
	"strconv"

	"github.com/gin-gonic/gin"
)

type SyncController struct {
	Reconciler *service.Reconciler
}

func NewSyncController(reconciler *service.Reconciler) *SyncController {
	return &SyncController{Reconciler: reconciler}
}

// @Summary 同步数据单元
// @Description 推送本地待同步写入并从远端拉取，force=true 时忽略过期窗口
// @Tags 同步
// @Produce json
// @Security BearerAuth
// @Param unit path string true "单元，如 class:c1、student:s1"
// @Param force query bool false "忽略过期窗口"
// @Success 200 {object} util.Response
// @Failure 503 {object} util.Response "远端不可用，本地缓存保持不变"
// @Router /api/sync/{unit} [post]
func (c *SyncController) SyncUnit(ctx *gin.Context) {
	unit, err := service.ParseUnit(ctx.Param("unit"))
	if err != nil {
		util.Failure(ctx, err)
		return
	}
	force, _ := strconv.ParseBool(ctx.DefaultQuery("force", "false"))

	if err := c.Reconciler.Sync(ctx.Request.Context(), unit, force); err != nil {
		util.Failure(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"unit": unit, "forced": force})
}

// @Summary 待同步写入
// @Description 本地已提交但尚未被远端确认的写入，按入队顺序
// @Tags 同步
// @Produce json
// @Security BearerAuth
// @Success 200 {object} util.Response
// @Router /api/admin/pending-writes [get]
func (c *SyncController) ListPending(ctx *gin.Context) {
	writes, err := repository.NewSyncRepository(c.Reconciler.DB.WithContext(ctx.Request.Context())).AllPending()
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, writes)
}
