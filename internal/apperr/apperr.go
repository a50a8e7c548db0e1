// Package apperr はアプリケーション全体で共有するエラー分類を提供します。
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind はエラーの分類を表します。
type Kind string

const (
	KindValidation     Kind = "validation"
	KindConflict       Kind = "conflict"
	KindExternalQuery  Kind = "external_query"
	KindSessionExpired Kind = "session_expired"
	KindIO             Kind = "io"
	KindInternal       Kind = "internal"
)

// Error はクライアントへ返すコードとメッセージを持つエラーです。
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New はエラーを作成します。
func New(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Validation は入力不備を表すエラーを作成します。
func Validation(code, message string) *Error {
	return New(KindValidation, code, message, nil)
}

// Conflict は状態の競合を表すエラーを作成します。
func Conflict(code, message string) *Error {
	return New(KindConflict, code, message, nil)
}

// IO はファイル入出力の失敗を表すエラーを作成します。
func IO(code, message string, cause error) *Error {
	return New(KindIO, code, message, cause)
}

// KindOf は err に含まれる分類を返します。分類がなければ KindInternal です。
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// HTTPStatus は分類に対応する HTTP ステータスを返します。
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindSessionExpired:
		return http.StatusUnauthorized
	case KindExternalQuery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
