package portal

import (
	"errors"

	"github.com/yourusername/margin-console/internal/apperr"
)

// ポータル操作の標準エラーコードです。ログと結果ファイルにそのまま出力されます。
const (
	CodePageNotLoaded   = "EPAGE-001"
	CodeSessionExpired  = "ESES-440"
	CodeFieldNotFound   = "ESEL-002"
	CodeOrgaoNotFound   = "EORG-404"
	CodeClickFailed     = "ECLICK-303"
	CodeParseFailed     = "EPARSE-204"
	CodeDriverLost      = "EDRV-500"
	CodeQueryTimeout    = "ETIME-408"
	CodeUnexpectedError = "EUNK-000"
)

var codeMessages = map[string]string{
	CodePageNotLoaded:   `Tela "Pesquisar Margem" não carregou`,
	CodeSessionExpired:  "Sessão expirada (login necessário)",
	CodeFieldNotFound:   "Campo CPF/Matrícula/Órgão/Pesquisar não encontrado",
	CodeOrgaoNotFound:   "Órgão não localizado no dropdown",
	CodeClickFailed:     "Falha ao acionar o botão Pesquisar",
	CodeParseFailed:     "Painel de resultado não encontrado/estrutura alterada",
	CodeDriverLost:      "Driver/navegador desconectado",
	CodeQueryTimeout:    "Tempo limite da consulta excedido",
	CodeUnexpectedError: "Erro desconhecido",
}

// ErrSessionExpired はポータルのセッション喪失です。バッチ全体を中断させます。
var ErrSessionExpired = apperr.New(apperr.KindSessionExpired, CodeSessionExpired, codeMessages[CodeSessionExpired], nil)

// NewQueryError は1行単位で回復可能な照会エラーを作成します。
func NewQueryError(code string, cause error) *apperr.Error {
	msg, ok := codeMessages[code]
	if !ok {
		msg = codeMessages[CodeUnexpectedError]
	}
	return apperr.New(apperr.KindExternalQuery, code, msg, cause)
}

// IsSessionExpired は err がセッション喪失かを返します。
func IsSessionExpired(err error) bool {
	if errors.Is(err, ErrSessionExpired) {
		return true
	}
	return apperr.KindOf(err) == apperr.KindSessionExpired
}

// CodeOf は err に対応するポータルエラーコードを返します。
func CodeOf(err error) string {
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Code != "" {
		return appErr.Code
	}
	return CodeUnexpectedError
}
