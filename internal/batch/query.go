package batch

import (
	"context"
	"errors"
	"time"

	"github.com/yourusername/margin-console/internal/margin"
	"github.com/yourusername/margin-console/internal/portal"
)

type stepOutcome struct {
	seq      uint64
	row      margin.Row
	details  margin.Details
	err      error
	attempts int
	duration time.Duration
}

// query は1行を最大 MaxAttempts 回照会し、結果をループへ戻します。
// ctx が取り消された場合（一時停止ではなくリセットやウォッチドッグによる破棄）は何も返しません。
func (e *Engine) query(ctx context.Context, seq uint64, row margin.Row) {
	t := e.opts.Timing
	start := e.opts.Now()

	var lastErr error
	for attempt := 1; attempt <= t.MaxAttempts; attempt++ {
		if attempt > 1 {
			failed, err := attempt-1, lastErr
			e.post(func(l *loop) { l.onRetry(seq, row, failed, err) })

			backoff := time.NewTimer(t.RetryBackoff)
			select {
			case <-backoff.C:
			case <-ctx.Done():
				backoff.Stop()
				return
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, t.QueryTimeout)
		details, err := e.opts.Querier.Query(attemptCtx, row)
		cancel()
		if ctx.Err() != nil {
			return
		}

		switch {
		case err == nil:
			e.finish(stepOutcome{seq: seq, row: row, details: details, attempts: attempt, duration: e.opts.Now().Sub(start)})
			return
		case portal.IsSessionExpired(err):
			e.finish(stepOutcome{seq: seq, row: row, err: err, attempts: attempt, duration: e.opts.Now().Sub(start)})
			return
		case errors.Is(err, context.DeadlineExceeded):
			err = portal.NewQueryError(portal.CodeQueryTimeout, err)
		}
		lastErr = err
		e.logger.Debug("batch.query.attempt_failed", "cpf", row.CPF, "attempt", attempt, "err", err)
	}

	e.finish(stepOutcome{seq: seq, row: row, err: lastErr, attempts: t.MaxAttempts, duration: e.opts.Now().Sub(start)})
}

func (e *Engine) finish(o stepOutcome) {
	e.post(func(l *loop) { l.onOutcome(o) })
}
