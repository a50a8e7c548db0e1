package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/margin-console/internal/apperr"
	"github.com/yourusername/margin-console/internal/config"
	"github.com/yourusername/margin-console/internal/margin"
	"github.com/yourusername/margin-console/internal/sheet"
)

type fakeWriter struct {
	err     error
	written map[string][]margin.Result
}

func (w *fakeWriter) Filename(jobID string) string {
	return "resultado_" + jobID + ".xlsx"
}

func (w *fakeWriter) WriteFile(_ context.Context, name string, results []margin.Result) error {
	if w.err != nil {
		return w.err
	}
	if w.written == nil {
		w.written = map[string][]margin.Result{}
	}
	w.written[name] = results
	return nil
}

func newTestManager(t *testing.T, writer WorkbookWriter) (*Manager, *Store) {
	t.Helper()
	store, mr := newTestStore(t)
	cfg := &config.Config{QueueRedisURL: "redis://" + mr.Addr()}
	m, err := NewManager(cfg, writer, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, store
}

func exportTask(t *testing.T, jobID, filename string) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(&TaskPayload{JobID: jobID, Filename: filename})
	require.NoError(t, err)
	return asynq.NewTask(taskTypeExport, body)
}

func seedExport(t *testing.T, store *Store, jobID, filename string, results []margin.Result) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SaveResults(ctx, jobID, results))
	require.NoError(t, store.UpsertExport(ctx, &ExportRecord{
		JobID:    jobID,
		Filename: filename,
		Status:   StatusQueued,
		Rows:     len(results),
	}))
}

func TestNewManagerValidatesArguments(t *testing.T) {
	store, mr := newTestStore(t)
	cfg := &config.Config{QueueRedisURL: "redis://" + mr.Addr()}

	_, err := NewManager(nil, &fakeWriter{}, store, nil)
	assert.Error(t, err)
	_, err = NewManager(cfg, nil, store, nil)
	assert.Error(t, err)
	_, err = NewManager(cfg, &fakeWriter{}, nil, nil)
	assert.Error(t, err)
	_, err = NewManager(&config.Config{QueueRedisURL: "://bad"}, &fakeWriter{}, store, nil)
	assert.Error(t, err)
}

func TestHandleExportTaskWritesWorkbook(t *testing.T) {
	writer := &fakeWriter{}
	m, store := newTestManager(t, writer)
	ctx := context.Background()

	results := []margin.Result{
		{Row: margin.Row{CPF: "12345678901", Matricula: "M1", Orgao: "INSS"}, Status: margin.StatusSuccess},
	}
	seedExport(t, store, "job-1", "resultado.xlsx", results)

	require.NoError(t, m.handleExportTask(ctx, exportTask(t, "job-1", "resultado.xlsx")))

	require.Contains(t, writer.written, "resultado.xlsx")
	assert.Len(t, writer.written["resultado.xlsx"], 1)

	record, err := m.GetRecord(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, StatusSucceeded, record.Status)
	assert.Equal(t, 1, record.Rows)
	assert.Equal(t, "/api/download/resultado.xlsx", record.DownloadURL)

	_, err = store.LoadResults(ctx, "job-1")
	assert.Error(t, err, "results are removed after export")
}

func TestHandleExportTaskRecordsFailure(t *testing.T) {
	writer := &fakeWriter{err: apperr.IO("EXPORT_FAILED", "Falha ao gerar a planilha.", errors.New("disk full"))}
	m, store := newTestManager(t, writer)
	ctx := context.Background()

	seedExport(t, store, "job-2", "resultado.xlsx", []margin.Result{
		{Row: margin.Row{CPF: "12345678901"}, Status: margin.StatusError},
	})

	err := m.handleExportTask(ctx, exportTask(t, "job-2", "resultado.xlsx"))
	require.Error(t, err)

	record, err := m.GetRecord(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, record.Status)
	require.NotNil(t, record.Error)
	assert.Equal(t, "EXPORT_FAILED", record.Error.Code)
	assert.Equal(t, "Falha ao gerar a planilha.", record.Error.Message)

	_, err = store.LoadResults(ctx, "job-2")
	assert.NoError(t, err, "results stay available for retries")
}

func TestHandleExportTaskRejectsBadPayload(t *testing.T) {
	m, _ := newTestManager(t, &fakeWriter{})

	err := m.handleExportTask(context.Background(), asynq.NewTask(taskTypeExport, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = m.handleExportTask(context.Background(), exportTask(t, "", "x.xlsx"))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestDownloadURLEscapesName(t *testing.T) {
	assert.Equal(t, "/api/download/planilha%2001.xlsx", downloadURL("planilha 01.xlsx"))
}

func TestAwaitReturnsOnceWorkerFinishes(t *testing.T) {
	writer := &fakeWriter{}
	m, store := newTestManager(t, writer)
	m.pollInterval = 5 * time.Millisecond
	ctx := context.Background()

	seedExport(t, store, "job-3", "resultado.xlsx", []margin.Result{
		{Row: margin.Row{CPF: "12345678901"}, Status: margin.StatusSuccess},
	})

	status, err := m.ExportStatus(ctx, "resultado.xlsx")
	require.NoError(t, err)
	assert.Equal(t, sheet.ExportPending, status)

	done := make(chan error, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		done <- m.handleExportTask(ctx, exportTask(t, "job-3", "resultado.xlsx"))
	}()

	name, err := m.await(ctx, "job-3", "resultado.xlsx")
	require.NoError(t, err)
	assert.Equal(t, "resultado.xlsx", name)
	require.NoError(t, <-done)
	assert.Contains(t, writer.written, "resultado.xlsx", "the file exists before the name is returned")

	status, err = m.ExportStatus(ctx, "resultado.xlsx")
	require.NoError(t, err)
	assert.Equal(t, sheet.ExportDone, status)
}

func TestAwaitReportsWorkerFailure(t *testing.T) {
	writer := &fakeWriter{err: apperr.IO("EXPORT_FAILED", "Falha ao gerar a planilha.", errors.New("disk full"))}
	m, store := newTestManager(t, writer)
	m.pollInterval = 5 * time.Millisecond
	ctx := context.Background()

	seedExport(t, store, "job-4", "falhou.xlsx", []margin.Result{{Row: margin.Row{CPF: "1"}}})
	require.Error(t, m.handleExportTask(ctx, exportTask(t, "job-4", "falhou.xlsx")))

	_, err := m.await(ctx, "job-4", "falhou.xlsx")
	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "EXPORT_FAILED", appErr.Code)
	assert.Equal(t, "Falha ao gerar a planilha.", appErr.Message)

	status, err := m.ExportStatus(ctx, "falhou.xlsx")
	require.NoError(t, err)
	assert.Equal(t, sheet.ExportFailed, status)
}

func TestAwaitTimesOutWhileQueued(t *testing.T) {
	m, store := newTestManager(t, &fakeWriter{})
	m.pollInterval = 5 * time.Millisecond
	seedExport(t, store, "job-5", "lento.xlsx", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := m.await(ctx, "job-5", "lento.xlsx")
	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "EXPORT_TIMEOUT", appErr.Code)
}

func TestExportStatusUnknownFile(t *testing.T) {
	m, _ := newTestManager(t, &fakeWriter{})
	status, err := m.ExportStatus(context.Background(), "avulso.xlsx")
	require.NoError(t, err)
	assert.Equal(t, sheet.ExportUnknown, status)
}

func TestFinalAttemptOutsideWorker(t *testing.T) {
	assert.True(t, finalAttempt(context.Background()))
}
