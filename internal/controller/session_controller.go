package controller

import (
	"classroom_sync_backend/internal/service"
	"classroom_sync_backend/internal/util"

	"github.com/gin-gonic/gin"
)

// SessionController 计时作答会话，会话只对创建它的学生可见
type SessionController struct {
	Sessions *service.SessionManager
}

func NewSessionController(sessions *service.SessionManager) *SessionController {
	return &SessionController{Sessions: sessions}
}

func (c *SessionController) ownSession(ctx *gin.Context) (*service.Session, bool) {
	user, ok := currentUser(ctx)
	if !ok {
		return nil, false
	}
	s, err := c.Sessions.Get(ctx.Param("id"))
	if err != nil {
		util.Failure(ctx, err)
		return nil, false
	}
	// 不暴露其他学生的会话是否存在
	if s.StudentID() != user.UserID {
		util.Failure(ctx, util.ErrSessionNotFound)
		return nil, false
	}
	return s, true
}

// @Summary 开始作答
// @Tags 会话
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body object true "{\"assessmentId\": \"...\"}"
// @Success 201 {object} util.Response
// @Router /api/sessions [post]
func (c *SessionController) StartSession(ctx *gin.Context) {
	user, ok := currentUser(ctx)
	if !ok {
		return
	}

	var req struct {
		AssessmentID string `json:"assessmentId" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	s, err := c.Sessions.Start(ctx.Request.Context(), user.UserID, req.AssessmentID)
	if err != nil {
		util.Failure(ctx, err)
		return
	}
	util.Created(ctx, s.View())
}

// @Summary 会话状态
// @Tags 会话
// @Produce json
// @Security BearerAuth
// @Param id path string true "会话ID"
// @Success 200 {object} util.Response
// @Router /api/sessions/{id} [get]
func (c *SessionController) GetSession(ctx *gin.Context) {
	s, ok := c.ownSession(ctx)
	if !ok {
		return
	}
	util.Success(ctx, s.View())
}

// @Summary 保存作答
// @Tags 会话
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "会话ID"
// @Param body body object true "{\"questionId\": \"...\", \"payload\": \"...\"}"
// @Success 200 {object} util.Response
// @Router /api/sessions/{id}/answers [put]
func (c *SessionController) SetAnswer(ctx *gin.Context) {
	s, ok := c.ownSession(ctx)
	if !ok {
		return
	}

	var req service.AnswerInput
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}
	if err := s.SetAnswer(req.QuestionID, req.Payload); err != nil {
		util.Failure(ctx, err)
		return
	}
	util.Success(ctx, s.View())
}

// @Summary 提交会话
// @Description 提交失败时会话进入 ERROR，作答保留，可再次提交
// @Tags 会话
// @Produce json
// @Security BearerAuth
// @Param id path string true "会话ID"
// @Success 200 {object} util.Response
// @Router /api/sessions/{id}/submit [post]
func (c *SessionController) Submit(ctx *gin.Context) {
	s, ok := c.ownSession(ctx)
	if !ok {
		return
	}
	sub, err := s.Submit(ctx.Request.Context())
	if err != nil {
		util.Failure(ctx, err)
		return
	}
	util.Success(ctx, sub)
}

// @Summary 退出会话
// @Description 停止计时，未提交的作答被丢弃
// @Tags 会话
// @Security BearerAuth
// @Param id path string true "会话ID"
// @Success 200 {object} util.Response
// @Router /api/sessions/{id} [delete]
func (c *SessionController) ExitSession(ctx *gin.Context) {
	s, ok := c.ownSession(ctx)
	if !ok {
		return
	}
	if err := c.Sessions.Exit(s.ID()); err != nil {
		util.Failure(ctx, err)
		return
	}
	util.Success(ctx, nil)
}
