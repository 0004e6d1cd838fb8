package controller

import (
	"classroom_sync_backend/internal/readmodel"
	"classroom_sync_backend/internal/util"
	"context"
	"time"

	"github.com/gin-gonic/gin"
)

// respondView 打开读模型流，等待第一个非 Loading 的值后应答，超时返回 loading
func respondView[T any](ctx *gin.Context, wait time.Duration, open func(context.Context) <-chan readmodel.Resource[T]) {
	streamCtx, cancel := context.WithCancel(ctx.Request.Context())
	defer cancel()

	r := readmodel.Settle(streamCtx, open(streamCtx), wait)
	switch {
	case r.IsSuccess():
		v, _ := r.Value()
		util.Success(ctx, v)
	case r.IsError():
		util.Failure(ctx, r.Err())
	default:
		util.Loading(ctx)
	}
}

func currentUser(ctx *gin.Context) (*util.Claims, bool) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return nil, false
	}
	return user, true
}
