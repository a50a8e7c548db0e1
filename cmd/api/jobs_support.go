package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/margin-console/internal/batch"
	"github.com/yourusername/margin-console/internal/config"
	"github.com/yourusername/margin-console/internal/httpx"
	"github.com/yourusername/margin-console/internal/jobs"
	"github.com/yourusername/margin-console/internal/sheet"
)

// jobsSupport は Redis を使う補助機能です。QUEUE_REDIS_URL が空ならすべて nil です。
type jobsSupport struct {
	rdb     *redis.Client
	store   *jobs.Store
	manager *jobs.Manager
}

func setupJobs(ctx context.Context, cfg *config.Config, exporter *sheet.XLSXExporter, logger *slog.Logger) (*jobsSupport, error) {
	if cfg.QueueRedisURL == "" {
		return &jobsSupport{}, nil
	}

	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse QUEUE_REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(opt)

	ttlMinutes := cfg.CheckpointTTLMins
	if ttlMinutes <= 0 {
		ttlMinutes = 720
	}
	store := jobs.NewStore(redisClient, time.Duration(ttlMinutes)*time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	js := &jobsSupport{rdb: redisClient, store: store}
	if cfg.ExportAsync {
		manager, err := jobs.NewManager(cfg, exporter, store, logger)
		if err != nil {
			_ = redisClient.Close()
			return nil, err
		}
		js.manager = manager
	}
	logger.Info("jobs.redis.connected", "addr", opt.Addr, "async_export", js.manager != nil)
	return js, nil
}

func (js *jobsSupport) enabled() bool {
	return js.store != nil
}

// apply はエンジンのチェックポイント保存先とエクスポーターを差し替えます。
func (js *jobsSupport) apply(opts *batch.Options) {
	if js.store != nil {
		opts.Checkpointer = js.store
	}
	if js.manager != nil {
		opts.Exporter = js.manager
	}
}

func (js *jobsSupport) checkpointReader() batch.CheckpointReader {
	if js.store == nil {
		return nil
	}
	return js.store
}

func (js *jobsSupport) close() {
	if js.manager != nil {
		_ = js.manager.Close()
	}
	if js.rdb != nil {
		_ = js.rdb.Close()
	}
}

func exportStatusHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if manager == nil {
			httpx.Fail(c, http.StatusNotFound, "EXPORT_QUEUE_UNAVAILABLE", "Fila de exportação não configurada.")
			return
		}
		jobID := c.Param("jobId")
		if strings.TrimSpace(jobID) == "" {
			httpx.Fail(c, http.StatusBadRequest, "INVALID_INPUT", "Informe o jobId.")
			return
		}

		record, err := manager.GetRecord(c.Request.Context(), jobID)
		if err != nil {
			httpx.RespondError(c, err)
			return
		}
		if record == nil {
			httpx.Fail(c, http.StatusNotFound, "EXPORT_NOT_FOUND", "Exportação não encontrada.")
			return
		}

		payload := gin.H{
			"jobId":     record.JobID,
			"filename":  record.Filename,
			"status":    record.Status,
			"rows":      record.Rows,
			"updatedAt": record.UpdatedAt,
		}
		if record.DownloadURL != "" {
			payload["downloadUrl"] = record.DownloadURL
		}
		if record.Error != nil {
			payload["exportError"] = record.Error
		}
		httpx.OK(c, payload)
	}
}
