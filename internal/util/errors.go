package util

import (
	"context"
	"errors"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrValidation        = errors.New("validation failed")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrRemoteUnavailable = errors.New("remote store unavailable")
	ErrInconsistentJoin  = errors.New("read model source did not resolve")
	ErrSessionClosed     = errors.New("session is no longer active")
	ErrSessionBusy       = errors.New("session is submitting")
	ErrSessionNotFound   = errors.New("session not found")
)

type ErrorKind string

const (
	KindNotFound         ErrorKind = "not_found"
	KindValidation       ErrorKind = "validation"
	KindRecoverableIO    ErrorKind = "recoverable_io"
	KindInconsistentJoin ErrorKind = "inconsistent_join"
	KindInternal         ErrorKind = "internal"
)

// Classify 将任意错误归入错误分类
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrSessionNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation), errors.Is(err, ErrSessionClosed), errors.Is(err, ErrSessionBusy):
		return KindValidation
	case errors.Is(err, ErrRemoteUnavailable), errors.Is(err, ErrPermissionDenied),
		errors.Is(err, context.DeadlineExceeded):
		return KindRecoverableIO
	case errors.Is(err, ErrInconsistentJoin):
		return KindInconsistentJoin
	default:
		return KindInternal
	}
}

// UserMessage 返回面向用户的错误描述
func UserMessage(err error) string {
	switch Classify(err) {
	case KindNotFound:
		return "The requested item could not be found."
	case KindValidation:
		return err.Error()
	case KindRecoverableIO:
		if errors.Is(err, ErrPermissionDenied) {
			return "You do not have access to this data right now."
		}
		return "Could not reach the server. Showing saved data."
	case KindInconsistentJoin:
		return "Some data is still unavailable. Please retry."
	default:
		return "Something went wrong. Please retry."
	}
}
