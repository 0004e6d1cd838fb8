package controller

import (
	"classroom_sync_backend/internal/config"
	"classroom_sync_backend/internal/model"
	"classroom_sync_backend/internal/readmodel"
	"classroom_sync_backend/internal/service"
	"classroom_sync_backend/internal/util"
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

type ChatController struct {
	ChatService *service.ChatService
	Views       *service.ViewService
	Hub         *service.ReadModelHub
	Config      *config.Config
}

func NewChatController(chatService *service.ChatService, views *service.ViewService, hub *service.ReadModelHub, cfg *config.Config) *ChatController {
	return &ChatController{
		ChatService: chatService,
		Views:       views,
		Hub:         hub,
		Config:      cfg,
	}
}

// @Summary 会话列表
// @Description 当前用户参与的会话，按最后消息时间倒序，附带未读数
// @Tags 聊天
// @Produce json
// @Security BearerAuth
// @Success 200 {object} util.Response
// @Success 202 {object} util.Response "数据仍在加载"
// @Router /api/conversations [get]
func (c *ChatController) GetConversations(ctx *gin.Context) {
	user, ok := currentUser(ctx)
	if !ok {
		return
	}
	respondView(ctx, c.Config.Server.ReadWait, func(streamCtx context.Context) <-chan readmodel.Resource[[]service.ConversationRow] {
		return c.Views.ConversationList(streamCtx, user.UserID)
	})
}

// @Summary 获取或创建私聊
// @Tags 聊天
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body object true "{\"userId\": \"对方ID\"}"
// @Success 200 {object} util.Response
// @Router /api/conversations/direct [post]
func (c *ChatController) GetOrCreateDirect(ctx *gin.Context) {
	user, ok := currentUser(ctx)
	if !ok {
		return
	}

	var req struct {
		UserID string `json:"userId" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	conv, err := c.ChatService.GetOrCreateDirect(ctx.Request.Context(), user.UserID, req.UserID)
	if err != nil {
		util.Failure(ctx, err)
		return
	}
	util.Success(ctx, conv)
}

// @Summary 创建群聊
// @Tags 聊天
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body object true "{\"title\": \"群名\", \"memberIds\": [\"...\"]}"
// @Success 201 {object} util.Response
// @Router /api/conversations/group [post]
func (c *ChatController) CreateGroup(ctx *gin.Context) {
	user, ok := currentUser(ctx)
	if !ok {
		return
	}

	var req struct {
		Title     string   `json:"title" binding:"required"`
		MemberIDs []string `json:"memberIds" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	conv, err := c.ChatService.CreateGroup(ctx.Request.Context(), user.UserID, req.Title, req.MemberIDs)
	if err != nil {
		util.Failure(ctx, err)
		return
	}
	util.Created(ctx, conv)
}

// @Summary 发送消息
// @Tags 聊天
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "会话ID"
// @Param body body object true "{\"content\": \"消息内容\"}"
// @Success 201 {object} util.Response
// @Router /api/conversations/{id}/messages [post]
func (c *ChatController) SendMessage(ctx *gin.Context) {
	user, ok := currentUser(ctx)
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	msg, err := c.ChatService.SendMessage(ctx.Request.Context(), user.UserID, ctx.Param("id"), req.Content)
	if err != nil {
		util.Failure(ctx, err)
		return
	}
	util.Created(ctx, msg)
}

// @Summary 消息历史
// @Description 按发送时间倒序分页，before 为 RFC3339 时间
// @Tags 聊天
// @Produce json
// @Security BearerAuth
// @Param id path string true "会话ID"
// @Param before query string false "早于该时间"
// @Param limit query int false "条数" default(50)
// @Success 200 {object} util.Response
// @Router /api/conversations/{id}/messages [get]
func (c *ChatController) GetMessages(ctx *gin.Context) {
	user, ok := currentUser(ctx)
	if !ok {
		return
	}

	var before time.Time
	if s := ctx.Query("before"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			util.BadRequest(ctx, "before must be an RFC3339 timestamp")
			return
		}
		before = t
	}
	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		util.BadRequest(ctx, "invalid limit")
		return
	}

	msgs, err := c.ChatService.Messages(ctx.Request.Context(), user.UserID, ctx.Param("id"), before, limit)
	if err != nil {
		util.Failure(ctx, err)
		return
	}
	util.Success(ctx, msgs)
}

// @Summary 标记会话已读
// @Tags 聊天
// @Security BearerAuth
// @Param id path string true "会话ID"
// @Success 200 {object} util.Response
// @Router /api/conversations/{id}/view [post]
func (c *ChatController) MarkViewed(ctx *gin.Context) {
	user, ok := currentUser(ctx)
	if !ok {
		return
	}
	if err := c.ChatService.MarkViewed(ctx.Request.Context(), user.UserID, ctx.Param("id")); err != nil {
		util.Failure(ctx, err)
		return
	}
	util.Success(ctx, nil)
}

// @Summary 设置免打扰
// @Tags 聊天
// @Accept json
// @Security BearerAuth
// @Param id path string true "会话ID"
// @Param body body object true "{\"muted\": true}"
// @Success 200 {object} util.Response
// @Router /api/conversations/{id}/mute [put]
func (c *ChatController) SetMuted(ctx *gin.Context) {
	user, ok := currentUser(ctx)
	if !ok {
		return
	}

	var req struct {
		Muted *bool `json:"muted" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	if err := c.ChatService.SetMuted(ctx.Request.Context(), user.UserID, ctx.Param("id"), *req.Muted); err != nil {
		util.Failure(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"muted": *req.Muted})
}

// @Summary 删除会话
// @Description 删除会话及其参与者与消息
// @Tags 聊天
// @Security BearerAuth
// @Param id path string true "会话ID"
// @Success 200 {object} util.Response
// @Router /api/conversations/{id} [delete]
func (c *ChatController) DeleteConversation(ctx *gin.Context) {
	user, ok := currentUser(ctx)
	if !ok {
		return
	}
	if err := c.ChatService.DeleteConversation(ctx.Request.Context(), user.UserID, ctx.Param("id")); err != nil {
		util.Failure(ctx, err)
		return
	}
	util.Success(ctx, nil)
}

// @Summary 读模型订阅
// @Description websocket，发送 {"type":"SUBSCRIBE","view":"dashboard","id":"..."} 订阅读模型
// @Tags 聊天
// @Param token query string false "JWT，浏览器无法设置请求头时使用"
// @Router /api/ws [get]
func (c *ChatController) WebSocket(ctx *gin.Context) {
	user, ok := currentUser(ctx)
	if !ok {
		return
	}
	role := user.Role
	if role == "" {
		role = model.Student
	}
	service.ServeWs(c.Hub, ctx.Writer, ctx.Request, user.UserID, role)
}
