package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/margin-console/internal/config"
	"github.com/yourusername/margin-console/internal/httpx"
	"github.com/yourusername/margin-console/internal/portal"
	"github.com/yourusername/margin-console/internal/sheet"
)

// ErrNoCheckpoint は保存済みのチェックポイントがないことを表します。
var ErrNoCheckpoint = errors.New("checkpoint not found")

// CheckpointReader は外部に保存された最新のチェックポイントを読み出します。
type CheckpointReader interface {
	Latest(ctx context.Context) (Checkpoint, error)
}

// HandlerOptions は開始ハンドラーの設定です。
type HandlerOptions struct {
	MaxFileSize int64
	Ingest      sheet.Options
	Batch       config.BatchConfig
	Logger      *slog.Logger
}

// StartHandler は POST /api/jobs/start のハンドラーを返します。
func StartHandler(e *Engine, opts HandlerOptions) gin.HandlerFunc {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		upload, err := sheet.ReadUpload(c, opts.MaxFileSize)
		if err != nil {
			httpx.RespondError(c, err)
			return
		}
		ing, err := upload.Ingest(opts.Ingest)
		if err != nil {
			sheet.RespondIngestError(c, err)
			return
		}

		seconds := opts.Batch.ClampCadence(parseCadence(c.PostForm("cadence")))
		start := e.Start
		if opts.Batch.ConfirmSessionOnStart {
			start = e.StartConfirmingSession
		}

		info, err := start(c.Request.Context(), ing.Rows, time.Duration(seconds)*time.Second)
		if err != nil {
			httpx.RespondError(c, err)
			return
		}
		logger.Info("jobs.start.accepted", "job_id", info.JobID, "file", upload.Name, "rows", info.Total, "cadence_s", seconds)

		httpx.OK(c, gin.H{
			"message":        fmt.Sprintf("Processamento iniciado com %d registros", info.Total),
			"jobId":          info.JobID,
			"total":          info.Total,
			"cadence":        seconds,
			"correctedCpfs":  ing.CorrectedCPFs,
			"invalidRecords": ing.InvalidRecords,
			"truncated":      ing.Truncated,
		})
	}
}

func parseCadence(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return int(f + 0.5)
	}
	return 0
}

// PauseHandler は PUT /api/jobs/pause のハンドラーを返します。
func PauseHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := e.Pause(c.Request.Context()); err != nil {
			httpx.RespondError(c, err)
			return
		}
		httpx.OK(c, gin.H{"message": "Processamento pausado"})
	}
}

// ResumeHandler は PUT /api/jobs/resume のハンドラーを返します。
func ResumeHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		resumed, err := e.Resume(c.Request.Context())
		if err != nil {
			httpx.RespondError(c, err)
			return
		}
		message := "Processamento retomado"
		if !resumed {
			message = "Nenhum processamento pausado"
		}
		httpx.OK(c, gin.H{"message": message, "resumed": resumed})
	}
}

// ResetHandler は POST /api/jobs/reset のハンドラーを返します。
func ResetHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := e.Reset(c.Request.Context()); err != nil {
			httpx.RespondError(c, err)
			return
		}
		httpx.OK(c, gin.H{"message": "Sistema reiniciado com sucesso"})
	}
}

// StatusHandler は GET /api/jobs/status のハンドラーを返します。
func StatusHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := e.Status(c.Request.Context())
		if err != nil {
			httpx.RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, struct {
			Success bool `json:"success"`
			Snapshot
		}{Success: true, Snapshot: snap})
	}
}

// ProgressHandler は GET /api/jobs/progress のハンドラーを返します。
func ProgressHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := e.Progress(c.Request.Context())
		if err != nil {
			httpx.RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, struct {
			Success bool `json:"success"`
			Progress
		}{Success: true, Progress: p})
	}
}

// CheckpointHandler は GET /api/jobs/checkpoint のハンドラーを返します。
// reader が nil の場合はチェックポイントの保存先が未設定です。
func CheckpointHandler(reader CheckpointReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		if reader == nil {
			httpx.Fail(c, http.StatusNotFound, "CHECKPOINT_UNAVAILABLE", "Armazenamento de checkpoints não configurado.")
			return
		}
		cp, err := reader.Latest(c.Request.Context())
		if errors.Is(err, ErrNoCheckpoint) {
			httpx.Fail(c, http.StatusNotFound, "CHECKPOINT_NOT_FOUND", "Nenhum checkpoint salvo.")
			return
		}
		if err != nil {
			httpx.RespondError(c, err)
			return
		}
		httpx.OK(c, gin.H{"checkpoint": cp})
	}
}

// LoginStatusHandler は GET /api/login/status のハンドラーを返します。
func LoginStatusHandler(session *portal.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		active := session.Active()
		body := gin.H{
			"loggedIn":      active,
			"sessionActive": active,
			"message":       "Login necessário",
		}
		if active {
			body["message"] = "Usuário está logado"
			body["confirmedAt"] = session.ConfirmedAt()
		}
		httpx.OK(c, body)
	}
}

// LoginConfirmHandler は PUT /api/login/confirm のハンドラーを返します。
func LoginConfirmHandler(session *portal.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		session.Confirm()
		httpx.OK(c, gin.H{
			"message":     "Login confirmado com sucesso",
			"confirmedAt": session.ConfirmedAt(),
		})
	}
}
