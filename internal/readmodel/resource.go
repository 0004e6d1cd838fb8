// Package readmodel 提供读模型的三态结果与多源合并。
package readmodel

import (
	"classroom_sync_backend/internal/util"
	"encoding/json"
	"errors"
)

type State uint8

const (
	StateLoading State = iota
	StateSuccess
	StateError
)

func (s State) String() string {
	switch s {
	case StateSuccess:
		return util.StateSuccess
	case StateError:
		return util.StateError
	default:
		return util.StateLoading
	}
}

// Resource 是 Loading / Success / Error 的带标签变体，零值为 Loading
type Resource[T any] struct {
	state State
	value T
	err   error
}

func Loading[T any]() Resource[T] {
	return Resource[T]{state: StateLoading}
}

func Success[T any](v T) Resource[T] {
	return Resource[T]{state: StateSuccess, value: v}
}

// Failure 携带面向用户的错误信息
func Failure[T any](message string) Resource[T] {
	return Resource[T]{state: StateError, err: errors.New(message)}
}

// FromError 保留原始错误，便于上层按错误分类处理
func FromError[T any](err error) Resource[T] {
	if err == nil {
		err = errors.New("unknown error")
	}
	return Resource[T]{state: StateError, err: err}
}

func (r Resource[T]) State() State { return r.state }
func (r Resource[T]) IsLoading() bool { return r.state == StateLoading }
func (r Resource[T]) IsSuccess() bool { return r.state == StateSuccess }
func (r Resource[T]) IsError() bool { return r.state == StateError }

// Value 仅在 Success 时 ok 为 true
func (r Resource[T]) Value() (T, bool) {
	return r.value, r.state == StateSuccess
}

func (r Resource[T]) Err() error {
	if r.state != StateError {
		return nil
	}
	return r.err
}

func (r Resource[T]) Message() string {
	if r.state != StateError || r.err == nil {
		return ""
	}
	return r.err.Error()
}

// Match 要求调用方处理全部三种状态
func Match[T, R any](r Resource[T], onLoading func() R, onSuccess func(T) R, onError func(error) R) R {
	switch r.state {
	case StateSuccess:
		return onSuccess(r.value)
	case StateError:
		return onError(r.err)
	default:
		return onLoading()
	}
}

// Erase 转为 Resource[any]，用于异构来源的合并
func (r Resource[T]) Erase() Resource[any] {
	return Resource[any]{state: r.state, value: r.value, err: r.err}
}

func (r Resource[T]) MarshalJSON() ([]byte, error) {
	out := struct {
		State   string `json:"state"`
		Data    any    `json:"data,omitempty"`
		Message string `json:"message,omitempty"`
	}{State: r.state.String(), Message: r.Message()}
	if r.state == StateSuccess {
		out.Data = r.value
	}
	return json.Marshal(out)
}
