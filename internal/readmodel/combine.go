package readmodel

import (
	"classroom_sync_backend/internal/util"
	"context"
	"fmt"
	"reflect"
)

// Propagate 按固定规则合并各来源的最新状态：
// 任一 Loading 则 Loading；否则第一个 Error 胜出；全部成功才计算 join
func Propagate[T any](latest []Resource[any], join func(values []any) (T, error)) Resource[T] {
	for _, r := range latest {
		if r.IsLoading() {
			return Loading[T]()
		}
	}
	for _, r := range latest {
		if r.IsError() {
			return FromError[T](r.err)
		}
	}

	values := make([]any, len(latest))
	for i, r := range latest {
		values[i] = r.value
	}
	v, err := join(values)
	if err != nil {
		return FromError[T](err)
	}
	return Success(v)
}

// Combine 在任一来源产生新值时重新计算合并结果。
// 连续的 Loading 只发出一次；来源在给出任何值之前关闭，视为 join 不一致。
// 全部来源关闭或 ctx 取消后输出通道关闭。
func Combine[T any](ctx context.Context, join func(values []any) (T, error), sources ...<-chan Resource[any]) <-chan Resource[T] {
	out := make(chan Resource[T])

	go func() {
		defer close(out)

		latest := make([]Resource[any], len(sources))
		cases := make([]reflect.SelectCase, 0, len(sources)+1)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
		for _, src := range sources {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(src)})
		}

		open := len(sources)
		emitted := false
		lastLoading := false

		for open > 0 {
			chosen, recv, ok := reflect.Select(cases)
			if chosen == 0 {
				return
			}
			idx := chosen - 1

			if !ok {
				// 已关闭的来源不再参与 select
				cases[chosen].Chan = reflect.Value{}
				open--
				if !latest[idx].IsLoading() {
					continue
				}
				latest[idx] = FromError[any](fmt.Errorf("%w: source %d closed", util.ErrInconsistentJoin, idx))
			} else {
				latest[idx] = recv.Interface().(Resource[any])
			}

			next := Propagate(latest, join)
			if next.IsLoading() && emitted && lastLoading {
				continue
			}
			select {
			case out <- next:
			case <-ctx.Done():
				return
			}
			emitted = true
			lastLoading = next.IsLoading()
		}
	}()

	return out
}

// Erased 把类型化的流转换为 Resource[any] 流
func Erased[T any](ctx context.Context, in <-chan Resource[T]) <-chan Resource[any] {
	out := make(chan Resource[any])
	go func() {
		defer close(out)
		for {
			select {
			case r, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- r.Erase():
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func Combine2[A, B, T any](ctx context.Context, a <-chan Resource[A], b <-chan Resource[B], join func(A, B) (T, error)) <-chan Resource[T] {
	return Combine(ctx, func(v []any) (T, error) {
		return join(v[0].(A), v[1].(B))
	}, Erased(ctx, a), Erased(ctx, b))
}

func Combine3[A, B, C, T any](ctx context.Context, a <-chan Resource[A], b <-chan Resource[B], c <-chan Resource[C], join func(A, B, C) (T, error)) <-chan Resource[T] {
	return Combine(ctx, func(v []any) (T, error) {
		return join(v[0].(A), v[1].(B), v[2].(C))
	}, Erased(ctx, a), Erased(ctx, b), Erased(ctx, c))
}

// Map 只转换 Success 的值，Loading 与 Error 原样透传
func Map[A, T any](ctx context.Context, in <-chan Resource[A], f func(A) (T, error)) <-chan Resource[T] {
	out := make(chan Resource[T])
	go func() {
		defer close(out)
		for {
			var r Resource[A]
			var ok bool
			select {
			case r, ok = <-in:
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			}

			next := Match(r,
				func() Resource[T] { return Loading[T]() },
				func(v A) Resource[T] {
					t, err := f(v)
					if err != nil {
						return FromError[T](err)
					}
					return Success(t)
				},
				func(err error) Resource[T] { return FromError[T](err) },
			)
			select {
			case out <- next:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
