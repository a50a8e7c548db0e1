// Package jobs はチェックポイントの Redis 保存と、結果ファイル出力の非同期キューを提供します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/margin-console/internal/apperr"
	"github.com/yourusername/margin-console/internal/config"
	"github.com/yourusername/margin-console/internal/margin"
	"github.com/yourusername/margin-console/internal/sheet"
)

const (
	taskTypeExport = "margin:export"
	exportQueue    = "export"
	maxRetry       = 2

	defaultPollInterval = 500 * time.Millisecond
)

// WorkbookWriter は指定したファイル名で結果を書き出します。
type WorkbookWriter interface {
	Filename(jobID string) string
	WriteFile(ctx context.Context, name string, results []margin.Result) error
}

// Manager はエクスポートタスクの投入と実行を担います。
type Manager struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	store  *Store
	writer WorkbookWriter
	logger *slog.Logger

	pollInterval time.Duration
}

// TaskPayload はエクスポートタスクのペイロードです。結果そのものは Store に置きます。
type TaskPayload struct {
	JobID    string `json:"jobId"`
	Filename string `json:"filename"`
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, writer WorkbookWriter, store *Store, logger *slog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if writer == nil {
		return nil, errors.New("writer is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 2,
			Queues: map[string]int{
				exportQueue: 1,
			},
			Logger:   newAsynqLogger(logger),
			LogLevel: asynq.WarnLevel,
			// 待っているジョブの ExportTimeout 内に再試行を終える
			RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
				return time.Duration(n) * 5 * time.Second
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client: client,
		server: server,
		mux:    mux,
		store:  store,
		writer: writer,
		logger: logger,

		pollInterval: defaultPollInterval,
	}
	mux.HandleFunc(taskTypeExport, manager.handleExportTask)
	return manager, nil
}

// Run はワーカーを起動し、ctx が終了したら停止します。
func (m *Manager) Run(ctx context.Context) error {
	if err := m.server.Start(m.mux); err != nil {
		return fmt.Errorf("asynq server start: %w", err)
	}
	m.logger.Info("jobs.worker.started", "queue", exportQueue)
	<-ctx.Done()
	m.server.Shutdown()
	m.logger.Info("jobs.worker.stopped")
	return nil
}

// Close はクライアントを閉じます。
func (m *Manager) Close() error {
	return m.client.Close()
}

// Export は結果を保存してタスクを投入し、ワーカーがファイルを書き終えるまで待ってファイル名を返します。
// ワーカーが最後の再試行まで失敗した場合や ctx が終了した場合はエラーを返します。
func (m *Manager) Export(ctx context.Context, jobID string, results []margin.Result) (string, error) {
	filename, err := m.enqueue(ctx, jobID, results)
	if err != nil {
		return "", err
	}
	return m.await(ctx, jobID, filename)
}

func (m *Manager) enqueue(ctx context.Context, jobID string, results []margin.Result) (string, error) {
	if jobID == "" {
		return "", fmt.Errorf("jobID is required")
	}
	filename := m.writer.Filename(jobID)

	if err := m.store.SaveResults(ctx, jobID, results); err != nil {
		return "", apperr.IO("EXPORT_QUEUE_FAILED", "Falha ao enfileirar a exportação.", err)
	}
	if err := m.store.UpsertExport(ctx, &ExportRecord{
		JobID:    jobID,
		Filename: filename,
		Status:   StatusQueued,
		Rows:     len(results),
	}); err != nil {
		return "", apperr.IO("EXPORT_QUEUE_FAILED", "Falha ao enfileirar a exportação.", err)
	}

	body, err := json.Marshal(&TaskPayload{JobID: jobID, Filename: filename})
	if err != nil {
		return "", err
	}
	task := asynq.NewTask(taskTypeExport, body, asynq.Queue(exportQueue))
	info, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(maxRetry), asynq.TaskID("export-"+jobID))
	if err != nil {
		return "", apperr.IO("EXPORT_QUEUE_FAILED", "Falha ao enfileirar a exportação.", err)
	}
	m.logger.Info("jobs.export.enqueued", "job_id", jobID, "task_id", info.ID, "file", filename, "rows", len(results))
	return filename, nil
}

// await はエクスポート記録が done か error になるまで待ちます。
func (m *Manager) await(ctx context.Context, jobID, filename string) (string, error) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		record, err := m.store.GetExport(ctx, jobID)
		if err != nil && ctx.Err() == nil {
			m.logger.Warn("jobs.export.poll_failed", "job_id", jobID, "err", err)
		}
		if record != nil {
			switch record.Status {
			case StatusSucceeded:
				return filename, nil
			case StatusFailed:
				code, message := "EXPORT_FAILED", "Falha ao gerar a planilha de resultado."
				if record.Error != nil {
					code, message = record.Error.Code, record.Error.Message
				}
				return "", apperr.IO(code, message, nil)
			}
		}

		select {
		case <-ctx.Done():
			return "", apperr.IO("EXPORT_TIMEOUT", "A planilha de resultado não foi gerada a tempo.", ctx.Err())
		case <-ticker.C:
		}
	}
}

// ExportStatus は結果ファイル名に対応するエクスポートの状態を返します。
func (m *Manager) ExportStatus(ctx context.Context, filename string) (sheet.ExportStatus, error) {
	record, err := m.store.ExportByFilename(ctx, filename)
	if err != nil || record == nil {
		return sheet.ExportUnknown, err
	}
	switch record.Status {
	case StatusQueued, StatusRunning:
		return sheet.ExportPending, nil
	case StatusFailed:
		return sheet.ExportFailed, nil
	case StatusSucceeded:
		return sheet.ExportDone, nil
	default:
		return sheet.ExportUnknown, nil
	}
}

// GetRecord はエクスポート記録を取得します。
func (m *Manager) GetRecord(ctx context.Context, jobID string) (*ExportRecord, error) {
	return m.store.GetExport(ctx, jobID)
}

func (m *Manager) handleExportTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if payload.JobID == "" || payload.Filename == "" {
		return fmt.Errorf("%w: missing jobId or filename in payload", asynq.SkipRetry)
	}

	if err := m.store.MarkRunning(ctx, payload.JobID); err != nil {
		return err
	}

	results, err := m.store.LoadResults(ctx, payload.JobID)
	if err != nil {
		return m.failJobWithError(ctx, payload.JobID, err)
	}
	if err := m.writer.WriteFile(ctx, payload.Filename, results); err != nil {
		return m.failJobWithError(ctx, payload.JobID, err)
	}

	if err := m.store.MarkDone(ctx, payload.JobID, len(results), downloadURL(payload.Filename)); err != nil {
		return err
	}
	if err := m.store.DeleteResults(ctx, payload.JobID); err != nil {
		m.logger.Warn("jobs.export.cleanup_failed", "job_id", payload.JobID, "err", err)
	}
	return nil
}

// failJob は最後の試行なら失敗を確定し、それ以外は再試行待ちとして記録します。
func (m *Manager) failJob(ctx context.Context, jobID, code, message string, cause error) error {
	info := &ErrorInfo{Code: code, Message: message}
	if !finalAttempt(ctx) {
		if err := m.store.MarkRetrying(ctx, jobID, info); err != nil {
			return errors.Join(cause, err)
		}
		m.logger.Warn("jobs.export.retrying", "job_id", jobID, "code", code, "err", cause)
		return cause
	}
	if err := m.store.MarkFailed(ctx, jobID, info); err != nil {
		return errors.Join(cause, err)
	}
	m.logger.Error("jobs.export.failed", "job_id", jobID, "code", code, "err", cause)
	return cause
}

// finalAttempt は asynq がこれ以上再試行しないかを返します。
// ワーカー外から呼ばれた場合は最後の試行として扱います。
func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	limit, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= limit
}

func (m *Manager) failJobWithError(ctx context.Context, jobID string, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return m.failJob(ctx, jobID, appErr.Code, appErr.Message, err)
	}
	return m.failJob(ctx, jobID, "EXPORT_FAILED", err.Error(), err)
}

func downloadURL(filename string) string {
	return "/api/download/" + url.PathEscape(filename)
}
