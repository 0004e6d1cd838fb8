package controller

import (
	"classroom_sync_backend/internal/service"
	"classroom_sync_backend/internal/util"

	"github.com/gin-gonic/gin"
)

// AssessmentController 测评与小游戏的提交、复核和尝试记录
type AssessmentController struct {
	Submissions *service.SubmissionService
	Views       *service.ViewService
}

func NewAssessmentController(submissions *service.SubmissionService, views *service.ViewService) *AssessmentController {
	return &AssessmentController{Submissions: submissions, Views: views}
}

// @Summary 提交测评结果
// @Description 服务端判分并写入本地缓存，随后异步同步到远端；带相同 id 重试只会存储一次
// @Tags 测评
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body service.SubmissionRequest true "提交内容"
// @Success 201 {object} util.Response
// @Success 200 {object} util.Response "重复提交，返回已存储的结果"
// @Router /api/results [post]
func (c *AssessmentController) SubmitResult(ctx *gin.Context) {
	user, ok := currentUser(ctx)
	if !ok {
		return
	}

	var req service.SubmissionRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}
	req.StudentID = user.UserID

	sub, err := c.Submissions.Submit(ctx.Request.Context(), req)
	if err != nil {
		util.Failure(ctx, err)
		return
	}
	if sub.Duplicate {
		util.Success(ctx, sub)
		return
	}
	util.Created(ctx, sub)
}

// @Summary 复核结果
// @Description 用存储的作答重新判分，检查分数是否可复现
// @Tags 测评
// @Produce json
// @Security BearerAuth
// @Param id path string true "结果ID"
// @Success 200 {object} util.Response
// @Router /api/results/{id}/review [get]
func (c *AssessmentController) ReviewResult(ctx *gin.Context) {
	user, ok := currentUser(ctx)
	if !ok {
		return
	}

	review, err := c.Submissions.ReviewResult(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		util.Failure(ctx, err)
		return
	}
	if err := c.Views.AuthorizeStudent(ctx.Request.Context(), user.UserID, user.Role, review.Result.StudentID); err != nil {
		util.Failure(ctx, err)
		return
	}
	util.Success(ctx, review)
}

// @Summary 我的尝试记录
// @Tags 测评
// @Produce json
// @Security BearerAuth
// @Param id path string true "测评ID"
// @Success 200 {object} util.Response
// @Router /api/assessments/{id}/attempts [get]
func (c *AssessmentController) GetAttempts(ctx *gin.Context) {
	user, ok := currentUser(ctx)
	if !ok {
		return
	}

	attempts, err := c.Submissions.Attempts(ctx.Request.Context(), user.UserID, ctx.Param("id"))
	if err != nil {
		util.Failure(ctx, err)
		return
	}
	util.Success(ctx, attempts)
}
