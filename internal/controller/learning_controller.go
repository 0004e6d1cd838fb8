package controller

import (
	"classroom_sync_backend/internal/service"
	"classroom_sync_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type LearningController struct {
	Progress  *service.ProgressService
	StudyTime *service.StudyTimeService
}

func NewLearningController(progress *service.ProgressService, studyTime *service.StudyTimeService) *LearningController {
	return &LearningController{Progress: progress, StudyTime: studyTime}
}

// @Summary 更新课时进度
// @Description 进度取历史最大值，时长累加；达到完成条件后不会回退
// @Tags 学习
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param lessonId path string true "课时ID"
// @Param body body object true "{\"progressPercentage\": 50, \"secondsSpent\": 30, \"contentId\": \"...\"}"
// @Success 200 {object} util.Response
// @Router /api/progress/lessons/{lessonId} [put]
func (c *LearningController) UpdateLessonProgress(ctx *gin.Context) {
	user, ok := currentUser(ctx)
	if !ok {
		return
	}

	var req struct {
		ProgressPercentage int    `json:"progressPercentage"`
		SecondsSpent       int    `json:"secondsSpent"`
		ContentID          string `json:"contentId"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	progress, err := c.Progress.UpdateLessonProgress(ctx.Request.Context(), service.LessonProgressUpdate{
		StudentID:          user.UserID,
		LessonID:           ctx.Param("lessonId"),
		ProgressPercentage: req.ProgressPercentage,
		SecondsSpent:       req.SecondsSpent,
		ContentID:          req.ContentID,
	})
	if err != nil {
		util.Failure(ctx, err)
		return
	}
	util.Success(ctx, progress)
}

// @Summary 记录学习时长
// @Description 按天累加，date 省略时取当天（UTC）
// @Tags 学习
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body object true "{\"date\": \"2024-01-02\", \"seconds\": 120}"
// @Success 200 {object} util.Response
// @Router /api/study-time [post]
func (c *LearningController) AddStudyTime(ctx *gin.Context) {
	user, ok := currentUser(ctx)
	if !ok {
		return
	}

	var req struct {
		Date    string `json:"date"`
		Seconds int    `json:"seconds" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	record, err := c.StudyTime.Add(ctx.Request.Context(), user.UserID, req.Date, req.Seconds)
	if err != nil {
		util.Failure(ctx, err)
		return
	}
	util.Success(ctx, record)
}
