package sheet

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/margin-console/internal/apperr"
	"github.com/yourusername/margin-console/internal/httpx"
)

// Upload はフォームから受け取ったファイルです。
type Upload struct {
	Name string
	Data []byte
}

// ReadUpload は multipart フォームの file フィールドを読み込みます。
func ReadUpload(c *gin.Context, maxSize int64) (*Upload, error) {
	header, err := c.FormFile("file")
	if err != nil {
		return nil, apperr.Validation("INVALID_INPUT", "Nenhum arquivo foi enviado (campo \"file\").")
	}
	if maxSize > 0 && header.Size > maxSize {
		return nil, apperr.Validation(httpx.CodeLimitExceeded,
			fmt.Sprintf("O arquivo excede o limite de %d MB.", maxSize>>20))
	}
	f, err := header.Open()
	if err != nil {
		return nil, apperr.IO("UPLOAD_FAILED", "Falha ao ler o arquivo enviado.", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, apperr.IO("UPLOAD_FAILED", "Falha ao ler o arquivo enviado.", err)
	}
	return &Upload{Name: header.Filename, Data: data}, nil
}

// Ingest はアップロードを検証済みの行に変換します。
func (u *Upload) Ingest(opts Options) (*Ingestion, error) {
	return Parse(u.Data, FormatFromFilename(u.Name), opts)
}

// RespondIngestError は取り込みエラーを返します。列不足の場合は不足列も含めます。
func RespondIngestError(c *gin.Context, err error) {
	httpx.RespondError(c, err, func(body gin.H) {
		var missing *MissingColumnsError
		if errors.As(err, &missing) {
			body["missingColumns"] = missing.Columns
		}
	})
}

// ValidateHandler は POST /api/upload/validate のハンドラーを返します。
func ValidateHandler(maxSize int64, opts Options, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		upload, err := ReadUpload(c, maxSize)
		if err != nil {
			httpx.RespondError(c, err)
			return
		}
		ing, err := upload.Ingest(opts)
		if err != nil {
			RespondIngestError(c, err)
			return
		}
		logger.Info("upload.validated",
			"file", upload.Name,
			"format", ing.Format,
			"total", ing.TotalRecords,
			"valid", ing.ValidRecords,
		)
		httpx.OK(c, gin.H{
			"format":         ing.Format,
			"totalRecords":   ing.TotalRecords,
			"validRecords":   ing.ValidRecords,
			"invalidRecords": ing.InvalidRecords,
			"correctedCpfs":  ing.CorrectedCPFs,
			"truncated":      ing.Truncated,
			"preview":        ing.Preview,
		})
	}
}

// DownloadHandler は GET /api/download?file= と GET /api/download/:filename のハンドラーを返します。
func DownloadHandler(d *Downloader) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := strings.TrimSpace(c.Query("file"))
		if name == "" {
			name = strings.TrimSpace(c.Param("filename"))
		}
		if name == "" {
			httpx.Fail(c, http.StatusBadRequest, "INVALID_INPUT", "Nome do arquivo não fornecido")
			return
		}

		file, err := d.Open(c.Request.Context(), name)
		if err != nil {
			if kind := apperr.KindOf(err); kind == apperr.KindValidation || kind == apperr.KindConflict {
				httpx.RespondError(c, err)
				return
			}
			d.logger.ErrorContext(c.Request.Context(), "download.failed", "file", name, "err", err)
			file = d.ErrorReport()
		}
		serveFile(c, file)
	}
}

func serveFile(c *gin.Context, file *File) {
	encodedName := url.PathEscape(file.Name)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", file.Name, encodedName))
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
	c.Header("Content-Length", strconv.Itoa(len(file.Data)))
	if file.Placeholder {
		c.Header("X-Placeholder", "true")
	}
	c.Data(http.StatusOK, file.ContentType, file.Data)
}
