package util

import (
	"classroom_sync_backend/pkg/logger"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response 统一响应结构，State 为 loading / success / error 三态之一
type Response struct {
	Code    int         `json:"code"`
	State   string      `json:"state"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		State:   StateSuccess,
		Message: "success",
		Data:    data,
	})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    http.StatusCreated,
		State:   StateSuccess,
		Message: "created",
		Data:    data,
	})
}

// Loading 数据源尚未就绪，客户端应稍后重试或改用 websocket 订阅
func Loading(c *gin.Context) {
	c.JSON(http.StatusAccepted, Response{
		Code:    http.StatusAccepted,
		State:   StateLoading,
		Message: "loading",
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(code, Response{
		Code:    code,
		State:   StateError,
		Message: message,
	})
}

// Failure 按错误分类映射 HTTP 状态码
func Failure(c *gin.Context, err error) {
	if errors.Is(err, ErrPermissionDenied) {
		Error(c, http.StatusForbidden, UserMessage(err))
		return
	}
	switch Classify(err) {
	case KindNotFound:
		Error(c, http.StatusNotFound, UserMessage(err))
	case KindValidation:
		Error(c, http.StatusBadRequest, UserMessage(err))
	case KindRecoverableIO:
		Error(c, http.StatusServiceUnavailable, UserMessage(err))
	case KindInconsistentJoin:
		Error(c, http.StatusGatewayTimeout, UserMessage(err))
	default:
		LogInternalError(c, err)
	}
}

func Unauthorized(c *gin.Context) {
	Error(c, http.StatusUnauthorized, "Unauthorized")
}

func Forbidden(c *gin.Context) {
	Error(c, http.StatusForbidden, "Forbidden")
}

func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, message)
}

func NotFound(c *gin.Context) {
	Error(c, http.StatusNotFound, "Resource not found")
}

func InternalServerError(c *gin.Context) {
	Error(c, http.StatusInternalServerError, "Internal server error")
}

func LogInternalError(c *gin.Context, err error) {
	logger.Log.Error("Internal server error", zap.Error(err), zap.String("path", c.FullPath()))
	InternalServerError(c)
}
