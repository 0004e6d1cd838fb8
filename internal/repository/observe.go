package repository

import (
	"classroom_sync_backend/internal/readmodel"
	"context"
)

// Observe 先发出 Loading，再发出查询结果；此后每当 tables 中任一表变更就重新查询。
// ctx 结束时关闭输出通道。
func Observe[T any](ctx context.Context, feed *ChangeFeed, tables []string, query func(ctx context.Context) (T, error)) <-chan readmodel.Resource[T] {
	out := make(chan readmodel.Resource[T])

	go func() {
		defer close(out)

		// 先订阅再查询，避免丢失首次查询期间发生的变更
		changes, cancel := feed.Subscribe(tables...)
		defer cancel()

		emit := func(r readmodel.Resource[T]) bool {
			select {
			case out <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}
		run := func() bool {
			v, err := query(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return false
				}
				return emit(readmodel.FromError[T](err))
			}
			return emit(readmodel.Success(v))
		}

		if !emit(readmodel.Loading[T]()) || !run() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				if !run() {
					return
				}
			}
		}
	}()

	return out
}
