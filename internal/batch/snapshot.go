package batch

import (
	"math"
	"time"

	"github.com/yourusername/margin-console/internal/margin"
)

func (l *loop) stats(now time.Time) Stats {
	j := l.job
	s := j.stats
	s.ProgressPercent = round1(percent(s.Processed, s.Total))
	if s.Processed > 0 && !j.startedAt.IsZero() {
		end := now
		if !j.finishedAt.IsZero() {
			end = j.finishedAt
		}
		s.AvgTimePerQuery = round1(end.Sub(j.startedAt).Seconds() / float64(s.Processed))
	}
	return s
}

func (l *loop) currentQuery(now time.Time) *CurrentQuery {
	j := l.job
	if !j.state.Active() || j.cursor >= len(j.rows) {
		return nil
	}
	row := j.rows[j.cursor]
	q := &CurrentQuery{
		CPF:       row.CPF,
		Matricula: row.Matricula,
		Orgao:     row.Orgao,
		Status:    "aguardando",
		Attempt:   1,
	}
	if l.current != nil {
		q.Status = "processando"
		q.Attempt = l.current.attempt
		q.Elapsed = round1(now.Sub(l.current.startedAt).Seconds())
	}
	return q
}

func (l *loop) recentLogs(n int) []LogEntry {
	logs := l.job.logs
	if len(logs) > n {
		logs = logs[:n]
	}
	return append([]LogEntry{}, logs...)
}

func (l *loop) snapshot() Snapshot {
	j := l.job
	now := l.now()

	results := j.results
	if len(results) > recentQueryCount {
		results = results[len(results)-recentQueryCount:]
	}
	recent := make([]QuerySummary, 0, len(results))
	for _, r := range results {
		recent = append(recent, summarize(r))
	}

	return Snapshot{
		JobID:         j.id,
		State:         j.state,
		IsRunning:     j.state.Active(),
		IsPaused:      j.state == StatePaused,
		Completed:     j.state == StateCompleted,
		Cadence:       j.cadence.Seconds(),
		Stats:         l.stats(now),
		CurrentQuery:  l.currentQuery(now),
		RecentQueries: recent,
		RecentLogs:    l.recentLogs(statusLogCount),
		ResultFile:    l.resultFile(),
		ExportPending: j.exportPending,
		ExportError:   j.exportError,
		AbortReason:   j.abortReason,
	}
}

func (l *loop) progress() Progress {
	j := l.job
	t := l.e.opts.Timing
	now := l.now()

	running := j.state == StateRunning
	stuck := j.stuck
	if running && j.stats.Processed == 0 && now.Sub(j.startedAt) > t.StuckGrace {
		stuck = true
	}
	if running && !j.lastUpdate.IsZero() && now.Sub(j.lastUpdate) > t.WatchdogTimeout {
		stuck = true
	}

	recovery := "standby"
	if j.stuck {
		recovery = "active"
	}
	var elapsed int64
	if !j.startedAt.IsZero() {
		end := now
		if !j.finishedAt.IsZero() {
			end = j.finishedAt
		}
		elapsed = end.Sub(j.startedAt).Milliseconds()
	}

	return Progress{
		JobID:         j.id,
		State:         j.state,
		Stats:         l.stats(now),
		CurrentQuery:  l.currentQuery(now),
		Logs:          l.recentLogs(progressLogCount),
		Completed:     j.state == StateCompleted,
		Paused:        j.state == StatePaused,
		IsStuck:       stuck,
		SessionActive: l.e.opts.Session.Active(),
		FileValidated: j.fileValidated,
		ResultFile:    l.resultFile(),
		ExportPending: j.exportPending,
		ExportError:   j.exportError,
		AbortReason:   j.abortReason,
		Monitoring: Monitoring{
			LastUpdateTime:       j.lastUpdate,
			StartTime:            j.startedAt,
			TotalElapsedMillis:   elapsed,
			StuckDetectionActive: l.watchdog != nil,
			AutoRecoveryStatus:   recovery,
			CurrentIndex:         j.cursor,
			TotalRecords:         len(j.rows),
			SafeMode:             j.safeMode,
			ConsecutiveFailures:  j.failures,
			CheckpointIndex:      j.checkpoint,
			Restarts:             j.restarts,
		},
	}
}

func (l *loop) resultFile() string {
	if l.job.state != StateCompleted {
		return ""
	}
	return l.job.exportFile
}

func summarize(r margin.Result) QuerySummary {
	s := QuerySummary{
		CPF:       r.CPF,
		Matricula: r.Matricula,
		Orgao:     r.Orgao,
		OrgaoName: r.OrgaoName,
		ErrorCode: r.ErrorCode,
		Contracts: r.ContratosAtivos,
		Elapsed:   round1(r.Duration.Seconds()),
		Attempts:  r.Attempts,
		Timestamp: r.Timestamp,
	}
	if r.Succeeded() {
		s.Status = "sucesso"
		s.Result = "Margem: R$ " + r.MargemDisponivel
		s.Margin = "R$ " + r.MargemDisponivel
	} else {
		s.Status = "erro"
		s.Result = r.Error
	}
	return s
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
