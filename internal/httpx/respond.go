// Package httpx は gin ハンドラー間で共通のレスポンス形式を提供します。
package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/margin-console/internal/apperr"
)

// CodeLimitExceeded はアップロードサイズ超過のコードです。413 で返します。
const CodeLimitExceeded = "LIMIT_EXCEEDED"

// OK は success:true を付けて 200 を返します。
func OK(c *gin.Context, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	body["success"] = true
	c.JSON(http.StatusOK, body)
}

// Fail は {success:false, error, message} を返します。
func Fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"error":   code,
		"message": message,
	})
}

// RespondError はエラー分類に応じたステータスで失敗レスポンスを返します。
// 分類されていないエラーの詳細はクライアントへ返さずログにだけ残します。
func RespondError(c *gin.Context, err error, extra ...func(gin.H)) {
	var appErr *apperr.Error
	switch {
	case errors.As(err, &appErr):
		body := gin.H{
			"success": false,
			"error":   appErr.Code,
			"message": appErr.Message,
		}
		for _, fn := range extra {
			fn(body)
		}
		status := apperr.HTTPStatus(appErr.Kind)
		if appErr.Code == CodeLimitExceeded {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, body)
	case errors.Is(err, context.Canceled):
		Fail(c, http.StatusRequestTimeout, "REQUEST_CANCELED", "A requisição foi cancelada.")
	default:
		slog.ErrorContext(c.Request.Context(), "http.internal_error", "path", c.FullPath(), "err", err)
		Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Erro interno do servidor.")
	}
}
