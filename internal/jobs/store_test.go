package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/margin-console/internal/batch"
	"github.com/yourusername/margin-console/internal/margin"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, time.Hour), mr
}

func TestCheckpointRoundTrip(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.Latest(ctx)
	require.ErrorIs(t, err, batch.ErrNoCheckpoint)

	cp := batch.Checkpoint{
		JobID:     "job-1",
		State:     batch.StateRunning,
		Cursor:    25,
		Total:     100,
		Processed: 25,
		Success:   20,
		Errors:    5,
		UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, store.Save(ctx, cp))
	assert.Equal(t, time.Hour, mr.TTL(checkpointKey))

	got, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, cp, got)

	require.NoError(t, store.Clear(ctx))
	_, err = store.Latest(ctx)
	assert.ErrorIs(t, err, batch.ErrNoCheckpoint)
}

func TestResultsKeepDuration(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	results := []margin.Result{
		{
			Row:      margin.Row{CPF: "12345678901", Matricula: "M1", Orgao: "INSS"},
			Status:   margin.StatusSuccess,
			Duration: 1500 * time.Millisecond,
		},
		{
			Row:       margin.Row{CPF: "98765432100", Matricula: "M2", Orgao: "SIAPE"},
			Status:    margin.StatusError,
			ErrorCode: "ETIME-408",
			Duration:  45 * time.Second,
		},
	}
	require.NoError(t, store.SaveResults(ctx, "job-1", results))

	got, err := store.LoadResults(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, results[0].CPF, got[0].CPF)
	assert.Equal(t, 1500*time.Millisecond, got[0].Duration)
	assert.Equal(t, "ETIME-408", got[1].ErrorCode)
	assert.Equal(t, 45*time.Second, got[1].Duration)

	require.NoError(t, store.DeleteResults(ctx, "job-1"))
	_, err = store.LoadResults(ctx, "job-1")
	assert.Error(t, err)
}

func TestExportRecordTransitions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	record, err := store.GetExport(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, record)

	require.ErrorIs(t, store.MarkRunning(ctx, "job-1"), ErrExportNotFound)

	require.NoError(t, store.UpsertExport(ctx, &ExportRecord{
		JobID:    "job-1",
		Filename: "resultado.xlsx",
		Status:   StatusQueued,
		Rows:     3,
	}))
	record, err = store.GetExport(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, StatusQueued, record.Status)
	assert.False(t, record.CreatedAt.IsZero())
	assert.Equal(t, record.CreatedAt.Add(time.Hour), record.ExpiresAt)

	require.NoError(t, store.MarkRunning(ctx, "job-1"))
	require.NoError(t, store.MarkFailed(ctx, "job-1", &ErrorInfo{Code: "EXPORT_FAILED", Message: "disk full"}))
	record, err = store.GetExport(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, record.Status)
	require.NotNil(t, record.Error)
	assert.Equal(t, "EXPORT_FAILED", record.Error.Code)

	require.NoError(t, store.MarkDone(ctx, "job-1", 3, "/api/download/resultado.xlsx"))
	record, err = store.GetExport(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, record.Status)
	assert.Nil(t, record.Error)
	assert.Equal(t, "/api/download/resultado.xlsx", record.DownloadURL)
}

func TestExportByFilenameAndRetry(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	record, err := store.ExportByFilename(ctx, "resultado.xlsx")
	require.NoError(t, err)
	assert.Nil(t, record)

	require.NoError(t, store.UpsertExport(ctx, &ExportRecord{JobID: "job-9", Filename: "resultado.xlsx", Status: StatusQueued}))
	require.NoError(t, store.MarkRunning(ctx, "job-9"))
	require.NoError(t, store.MarkRetrying(ctx, "job-9", &ErrorInfo{Code: "EXPORT_FAILED", Message: "tentativa 1"}))

	record, err = store.ExportByFilename(ctx, "resultado.xlsx")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "job-9", record.JobID)
	assert.Equal(t, StatusQueued, record.Status)
	assert.Equal(t, 1, record.Attempts)
	require.NotNil(t, record.Error)
	assert.Equal(t, "tentativa 1", record.Error.Message)
}
