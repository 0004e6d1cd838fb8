package controller

import (
	"classroom_sync_backend/internal/readmodel"
	"classroom_sync_backend/internal/service"
	"classroom_sync_backend/internal/util"
	"context"
	"time"

	"github.com/gin-gonic/gin"
)

// DashboardController 学生、家长与排行榜相关的只读视图
type DashboardController struct {
	Views    *service.ViewService
	ReadWait time.Duration
}

func NewDashboardController(views *service.ViewService, readWait time.Duration) *DashboardController {
	return &DashboardController{Views: views, ReadWait: readWait}
}

func (c *DashboardController) authorizedStudent(ctx *gin.Context) (string, bool) {
	user, ok := currentUser(ctx)
	if !ok {
		return "", false
	}
	studentID := ctx.Param("id")
	if err := c.Views.AuthorizeStudent(ctx.Request.Context(), user.UserID, user.Role, studentID); err != nil {
		util.Failure(ctx, err)
		return "", false
	}
	return studentID, true
}

// @Summary 学生仪表盘
// @Description 课时完成度、测评平均分、小游戏成绩与累计学习时长
// @Tags 仪表盘
// @Produce json
// @Security BearerAuth
// @Param id path string true "学生ID"
// @Success 200 {object} util.Response
// @Router /api/students/{id}/dashboard [get]
func (c *DashboardController) GetDashboard(ctx *gin.Context) {
	studentID, ok := c.authorizedStudent(ctx)
	if !ok {
		return
	}
	respondView(ctx, c.ReadWait, func(streamCtx context.Context) <-chan readmodel.Resource[service.Dashboard] {
		return c.Views.Dashboard(streamCtx, studentID)
	})
}

// @Summary 分学科统计
// @Tags 仪表盘
// @Produce json
// @Security BearerAuth
// @Param id path string true "学生ID"
// @Success 200 {object} util.Response
// @Router /api/students/{id}/subjects [get]
func (c *DashboardController) GetSubjectStats(ctx *gin.Context) {
	studentID, ok := c.authorizedStudent(ctx)
	if !ok {
		return
	}
	respondView(ctx, c.ReadWait, func(streamCtx context.Context) <-chan readmodel.Resource[[]service.SubjectStats] {
		return c.Views.SubjectStats(streamCtx, studentID)
	})
}

// @Summary 最近活动
// @Tags 仪表盘
// @Produce json
// @Security BearerAuth
// @Param id path string true "学生ID"
// @Success 200 {object} util.Response
// @Router /api/students/{id}/activity [get]
func (c *DashboardController) GetRecentActivity(ctx *gin.Context) {
	studentID, ok := c.authorizedStudent(ctx)
	if !ok {
		return
	}
	respondView(ctx, c.ReadWait, func(streamCtx context.Context) <-chan readmodel.Resource[[]service.Activity] {
		return c.Views.RecentActivity(streamCtx, studentID)
	})
}

// @Summary 家长查看孩子概况
// @Tags 仪表盘
// @Produce json
// @Security BearerAuth
// @Success 200 {object} util.Response
// @Router /api/parents/me/children [get]
func (c *DashboardController) GetChildren(ctx *gin.Context) {
	user, ok := currentUser(ctx)
	if !ok {
		return
	}
	respondView(ctx, c.ReadWait, func(streamCtx context.Context) <-chan readmodel.Resource[[]service.ChildOverview] {
		return c.Views.ParentChildren(streamCtx, user.UserID)
	})
}

// @Summary 小游戏排行榜
// @Description 每个学生取最好成绩，同分时先提交者靠前
// @Tags 仪表盘
// @Produce json
// @Security BearerAuth
// @Param id path string true "小游戏ID"
// @Success 200 {object} util.Response
// @Router /api/minigames/{id}/leaderboard [get]
func (c *DashboardController) GetLeaderboard(ctx *gin.Context) {
	gameID := ctx.Param("id")
	respondView(ctx, c.ReadWait, func(streamCtx context.Context) <-chan readmodel.Resource[[]service.LeaderboardEntry] {
		return c.Views.Leaderboard(streamCtx, gameID)
	})
}
