package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/margin-console/internal/batch"
	"github.com/yourusername/margin-console/internal/margin"
)

const (
	keyPrefix        = "margin:"
	checkpointKey    = keyPrefix + "checkpoint"
	exportKeyPrefix  = keyPrefix + "export:"
	fileKeyPrefix    = keyPrefix + "exportfile:"
	resultsKeySuffix = ":results"
	maxTxRetries     = 5
)

// ErrExportNotFound はエクスポート記録が存在しないことを表します。
var ErrExportNotFound = errors.New("export record not found")

// Store はチェックポイントとエクスポート状態を Redis に保存します。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Ping は Redis への接続を確認します。
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Save は最新のチェックポイントを保存します。
func (s *Store) Save(ctx context.Context, cp batch.Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, checkpointKey, payload, s.ttl).Err()
}

// Clear はチェックポイントを削除します。
func (s *Store) Clear(ctx context.Context) error {
	return s.rdb.Del(ctx, checkpointKey).Err()
}

// Latest は最新のチェックポイントを返します。存在しない場合は batch.ErrNoCheckpoint です。
func (s *Store) Latest(ctx context.Context) (batch.Checkpoint, error) {
	data, err := s.rdb.Get(ctx, checkpointKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return batch.Checkpoint{}, batch.ErrNoCheckpoint
		}
		return batch.Checkpoint{}, err
	}
	var cp batch.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return batch.Checkpoint{}, err
	}
	return cp, nil
}

// storedResult は処理時間を含めて結果を保存するための形式です。
type storedResult struct {
	margin.Result
	DurationMillis int64 `json:"durationMs"`
}

// SaveResults はワーカーへ渡す結果を一時保存します。
func (s *Store) SaveResults(ctx context.Context, jobID string, results []margin.Result) error {
	stored := make([]storedResult, len(results))
	for i, r := range results {
		stored[i] = storedResult{Result: r, DurationMillis: r.DurationMillis()}
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, resultsKey(jobID), payload, s.ttl).Err()
}

// LoadResults は一時保存した結果を読み出します。
func (s *Store) LoadResults(ctx context.Context, jobID string) ([]margin.Result, error) {
	data, err := s.rdb.Get(ctx, resultsKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("results not found: %s", jobID)
		}
		return nil, err
	}
	var stored []storedResult
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	results := make([]margin.Result, len(stored))
	for i, r := range stored {
		results[i] = r.Result
		results[i].Duration = time.Duration(r.DurationMillis) * time.Millisecond
	}
	return results, nil
}

// DeleteResults は一時保存した結果を削除します。
func (s *Store) DeleteResults(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx, resultsKey(jobID)).Err()
}

// GetExport はエクスポート記録を取得します。存在しない場合は nil を返します。
func (s *Store) GetExport(ctx context.Context, jobID string) (*ExportRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, exportKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var record ExportRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// UpsertExport はエクスポート記録を保存します（存在しない場合は作成）。
func (s *Store) UpsertExport(ctx context.Context, record *ExportRecord) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	now := s.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.ExpiresAt.IsZero() && s.ttl > 0 {
		record.ExpiresAt = record.CreatedAt.Add(s.ttl)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, exportKey(record.JobID), payload, s.ttl)
		if record.Filename != "" {
			pipe.Set(ctx, fileKey(record.Filename), record.JobID, s.ttl)
		}
		return nil
	})
	return err
}

// ExportByFilename は結果ファイル名からエクスポート記録を引きます。存在しない場合は nil を返します。
func (s *Store) ExportByFilename(ctx context.Context, filename string) (*ExportRecord, error) {
	jobID, err := s.rdb.Get(ctx, fileKey(filename)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return s.GetExport(ctx, jobID)
}

// MarkRunning はワーカーが処理を開始したことを記録します。
func (s *Store) MarkRunning(ctx context.Context, jobID string) error {
	return s.updatePartial(ctx, jobID, func(record *ExportRecord) {
		record.Status = StatusRunning
		record.Error = nil
	})
}

// MarkRetrying は失敗した試行を記録し、再試行待ちに戻します。
func (s *Store) MarkRetrying(ctx context.Context, jobID string, errInfo *ErrorInfo) error {
	return s.updatePartial(ctx, jobID, func(record *ExportRecord) {
		record.Status = StatusQueued
		record.Attempts++
		record.Error = errInfo
	})
}

// MarkDone はエクスポート完了を記録します。
func (s *Store) MarkDone(ctx context.Context, jobID string, rows int, downloadURL string) error {
	return s.updatePartial(ctx, jobID, func(record *ExportRecord) {
		record.Status = StatusSucceeded
		record.Attempts++
		record.Rows = rows
		record.DownloadURL = downloadURL
		record.Error = nil
	})
}

// MarkFailed はエクスポート失敗を記録します。
func (s *Store) MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) error {
	return s.updatePartial(ctx, jobID, func(record *ExportRecord) {
		record.Status = StatusFailed
		record.Attempts++
		if errInfo != nil {
			record.Error = errInfo
		}
	})
}

// updatePartial は WATCH による楽観ロックで記録を書き換えます。
func (s *Store) updatePartial(ctx context.Context, jobID string, mutate func(*ExportRecord)) error {
	key := exportKey(jobID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrExportNotFound, jobID)
			}
			return err
		}
		var record ExportRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		mutate(&record)
		record.UpdatedAt = s.now()
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

func exportKey(jobID string) string {
	return exportKeyPrefix + jobID
}

func fileKey(filename string) string {
	return fileKeyPrefix + filename
}

func resultsKey(jobID string) string {
	return exportKeyPrefix + jobID + resultsKeySuffix
}
