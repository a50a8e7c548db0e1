package batch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/margin-console/internal/apperr"
	"github.com/yourusername/margin-console/internal/margin"
	"github.com/yourusername/margin-console/internal/portal"
)

const (
	stepProcessing = "Processamento"
	stepSystem     = "Sistema"
)

type inflight struct {
	seq       uint64
	cancel    context.CancelFunc
	attempt   int
	startedAt time.Time
}

// loop は Run のゴルーチンだけが触る状態です。
type loop struct {
	e   *Engine
	ctx context.Context
	job *job

	step  *time.Timer
	stepC <-chan time.Time

	watchdog *time.Ticker
	watchC   <-chan time.Time

	current *inflight
	seq     uint64
}

func newLoop(ctx context.Context, e *Engine) *loop {
	return &loop{e: e, ctx: ctx, job: &job{state: StateIdle}}
}

func (l *loop) now() time.Time {
	return l.e.opts.Now()
}

func (l *loop) shutdown() {
	l.stopStep()
	l.cancelInflight()
	l.stopWatchdog()
}

func (l *loop) start(rows []margin.Row, cadence time.Duration, confirmSession bool) (StartInfo, error) {
	if l.job.state.Active() {
		return StartInfo{}, apperr.Conflict(CodeJobAlreadyRunning, "Processamento já está em andamento.")
	}
	if len(rows) == 0 {
		return StartInfo{}, apperr.Validation(CodeNoValidRows, "Nenhum registro válido encontrado no arquivo.")
	}
	if confirmSession {
		l.e.opts.Session.Confirm()
	}
	if !l.e.opts.Session.Active() {
		return StartInfo{}, apperr.New(apperr.KindSessionExpired, CodeSessionRequired,
			"Login administrativo não confirmado - necessário realizar login manual.", nil)
	}
	if limit := l.e.opts.MaxRows; limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	// 完了済みジョブのタイマーやエクスポート待ちを引き継がない
	l.shutdown()

	now := l.now()
	l.job = &job{
		id:            uuid.NewString(),
		state:         StateRunning,
		rows:          slices.Clone(rows),
		cadence:       cadence,
		startedAt:     now,
		lastUpdate:    now,
		fileValidated: true,
		stats: Stats{
			Total:     len(rows),
			Remaining: len(rows),
		},
	}
	l.info(fmt.Sprintf("Sistema inicializado: %d registros válidos, cadência de %.1fs", len(rows), cadence.Seconds()))
	l.schedule(l.e.opts.Timing.StartDelay)
	l.startWatchdog()
	l.saveCheckpoint()

	l.e.logger.Info("batch.job.started", "job_id", l.job.id, "rows", len(rows), "cadence", cadence)
	return StartInfo{JobID: l.job.id, Total: len(rows), Cadence: cadence}, nil
}

func (l *loop) pause() error {
	j := l.job
	if j.state != StateRunning {
		return apperr.Conflict(CodeJobNotRunning, "Nenhum processamento em andamento para pausar.")
	}
	j.state = StatePaused
	l.stopStep()
	l.log(LogEntry{Type: LogWarning, Message: "Processamento pausado pelo usuário"})
	l.saveCheckpoint()
	l.e.logger.Info("batch.job.paused", "job_id", j.id, "cursor", j.cursor)
	return nil
}

func (l *loop) resume() bool {
	j := l.job
	if j.state != StatePaused {
		return false
	}
	j.state = StateRunning
	l.info("Processamento retomado")
	// 処理中の照会があれば、その結果の記録時に次が予約される
	if l.step == nil && l.current == nil {
		l.schedule(l.e.opts.Timing.ResumeDelay)
	}
	l.saveCheckpoint()
	l.e.logger.Info("batch.job.resumed", "job_id", j.id, "cursor", j.cursor)
	return true
}

func (l *loop) reset() {
	l.shutdown()
	prev := l.job.id
	l.job = &job{state: StateIdle}
	l.e.opts.Session.Expire()
	l.log(LogEntry{Type: LogInfo, Message: "Sistema reiniciado - todos os dados foram limpos", Step: stepSystem})
	l.clearCheckpoint()
	l.e.logger.Info("batch.job.reset", "job_id", prev)
}

func (l *loop) runStep() {
	j := l.job
	if j.state != StateRunning || l.current != nil {
		return
	}
	if j.cursor >= len(j.rows) {
		l.complete()
		return
	}

	row := j.rows[j.cursor]
	j.stats.Current = row.CPF + " - " + row.Orgao
	l.log(LogEntry{
		Type:    LogInfo,
		Message: fmt.Sprintf("Processando CPF %s (%d/%d)", row.CPF, j.cursor+1, len(j.rows)),
		CPF:     row.CPF,
	})

	l.seq++
	ctx, cancel := context.WithCancel(l.ctx)
	l.current = &inflight{seq: l.seq, cancel: cancel, attempt: 1, startedAt: l.now()}
	go l.e.query(ctx, l.seq, row)
}

// onRetry は再試行前の失敗を記録します。失敗は試行ごとに数えます。
func (l *loop) onRetry(seq uint64, row margin.Row, attempt int, err error) {
	if l.current == nil || l.current.seq != seq {
		return
	}
	l.current.attempt = attempt + 1
	l.job.failures++
	l.log(LogEntry{
		Type: LogWarning,
		Message: fmt.Sprintf("Tentativa %d falhou (%s), aguardando %.0fs para retry...",
			attempt, messageOf(err), l.e.opts.Timing.RetryBackoff.Seconds()),
		CPF:       row.CPF,
		ErrorCode: portal.CodeOf(err),
	})
}

func (l *loop) onOutcome(o stepOutcome) {
	if l.current == nil || l.current.seq != o.seq {
		l.e.logger.Debug("batch.step.discarded", "seq", o.seq, "cpf", o.row.CPF)
		return
	}
	l.current.cancel()
	l.current = nil

	if portal.IsSessionExpired(o.err) {
		l.abort("Sessão expirada durante a consulta - necessário realizar novo login", portal.CodeSessionExpired)
		return
	}

	j := l.job
	t := l.e.opts.Timing
	now := l.now()
	res := margin.Result{
		Row:       o.row,
		Attempts:  o.attempts,
		Timestamp: now,
		Duration:  o.duration,
	}
	if o.err == nil {
		res.Details = o.details
		res.Status = margin.StatusSuccess
		j.stats.Success++
		j.failures = 0
		j.safeMode = false
		l.log(LogEntry{
			Type: LogSuccess,
			Message: fmt.Sprintf("Consulta realizada com sucesso em %.1fs - Margem: R$ %s",
				o.duration.Seconds(), o.details.MargemDisponivel),
			CPF: o.row.CPF,
		})
	} else {
		code := portal.CodeOf(o.err)
		res.Status = margin.StatusError
		res.ErrorCode = code
		res.Error = messageOf(o.err)
		res.Details.SituacaoAtual = "Erro na consulta"
		j.stats.Errors++
		j.failures++
		l.log(LogEntry{Type: LogError, Message: "Erro na consulta: " + res.Error, CPF: o.row.CPF, ErrorCode: code})
		if j.failures >= t.SafeModeThreshold && !j.safeMode {
			j.safeMode = true
			l.log(LogEntry{Type: LogWarning, Message: "Modo seguro ativado devido a falhas consecutivas"})
			l.e.logger.Warn("batch.safe_mode.enabled", "job_id", j.id, "failures", j.failures)
		}
	}

	j.results = append(j.results, res)
	j.cursor++
	j.stats.Processed = j.stats.Success + j.stats.Errors
	j.stats.Remaining = j.stats.Total - j.stats.Processed
	j.stats.ETA = l.eta(now)
	j.lastUpdate = now
	j.stuck = false

	if j.stats.Processed%progressLogEvery == 0 {
		l.info(fmt.Sprintf("Progresso: %d/%d (%.1f%%) - Sucessos: %d, Erros: %d, ETA: %s",
			j.stats.Processed, j.stats.Total, percent(j.stats.Processed, j.stats.Total),
			j.stats.Success, j.stats.Errors, j.stats.ETA))
	}
	l.saveCheckpoint()
	if j.stats.Processed%checkpointLogEvery == 0 {
		l.info(fmt.Sprintf("Checkpoint salvo: %d/%d processados", j.stats.Processed, j.stats.Total))
	}

	switch {
	case j.state != StateRunning:
	case j.cursor >= len(j.rows):
		l.complete()
	default:
		l.schedule(l.nextDelay())
	}
}

func (l *loop) nextDelay() time.Duration {
	j := l.job
	t := l.e.opts.Timing
	d := j.cadence
	if t.Jitter > 0 {
		d += time.Duration(l.e.opts.Rand() * float64(t.Jitter))
	}
	if j.safeMode {
		d += d/2 + t.SafeModePad
		l.info(fmt.Sprintf("Modo seguro ativo - aguardando %.1fs", d.Seconds()))
	}
	return d
}

func (l *loop) complete() {
	j := l.job
	l.stopStep()
	l.stopWatchdog()
	now := l.now()
	j.state = StateCompleted
	j.finishedAt = now
	j.stats.Current = ""
	l.log(LogEntry{
		Type: LogSuccess,
		Message: fmt.Sprintf("Processamento finalizado com sucesso! Total: %d CPFs processados em %.1f minutos. Sucessos: %d, Erros: %d",
			j.stats.Processed, now.Sub(j.startedAt).Minutes(), j.stats.Success, j.stats.Errors),
	})
	l.saveCheckpoint()
	l.e.logger.Info("batch.job.completed",
		"job_id", j.id,
		"processed", j.stats.Processed,
		"success", j.stats.Success,
		"errors", j.stats.Errors,
		"elapsed_ms", now.Sub(j.startedAt).Milliseconds(),
	)
	l.export()
}

func (l *loop) export() {
	exporter := l.e.opts.Exporter
	if exporter == nil {
		return
	}
	jobID := l.job.id
	results := slices.Clone(l.job.results)
	l.job.exportPending = true
	timeout := l.e.opts.Timing.ExportTimeout
	parent := l.ctx
	e := l.e
	go func() {
		ctx, cancel := context.WithTimeout(parent, timeout)
		name, err := exporter.Export(ctx, jobID, results)
		cancel()
		e.post(func(l *loop) { l.onExported(jobID, name, err) })
	}()
}

func (l *loop) onExported(jobID, name string, err error) {
	j := l.job
	if j.id != jobID {
		return
	}
	j.exportPending = false
	if err != nil {
		j.exportError = messageOf(err)
		l.log(LogEntry{Type: LogWarning, Message: "Falha ao gerar planilha de resultado: " + j.exportError})
		l.e.logger.Error("batch.export.failed", "job_id", jobID, "err", err)
		return
	}
	j.exportFile = name
	l.log(LogEntry{Type: LogSuccess, Message: "Planilha de resultado gerada: " + name})
}

// abort はジョブを Idle に戻します。結果と集計は参照用に残します。
func (l *loop) abort(reason, code string) {
	j := l.job
	l.shutdown()
	j.state = StateIdle
	j.abortReason = reason
	j.stats.Current = ""
	l.e.opts.Session.Expire()
	l.log(LogEntry{Type: LogError, Message: reason, ErrorCode: code})
	l.saveCheckpoint()
	l.e.logger.Warn("batch.job.aborted", "job_id", j.id, "cursor", j.cursor, "reason", reason)
}

func (l *loop) startWatchdog() {
	l.stopWatchdog()
	l.watchdog = time.NewTicker(l.e.opts.Timing.WatchdogInterval)
	l.watchC = l.watchdog.C
}

func (l *loop) stopWatchdog() {
	if l.watchdog != nil {
		l.watchdog.Stop()
		l.watchdog, l.watchC = nil, nil
	}
}

func (l *loop) checkWatchdog() {
	j := l.job
	if j.state != StateRunning || j.lastUpdate.IsZero() {
		return
	}
	now := l.now()
	gap := now.Sub(j.lastUpdate)
	if gap <= l.e.opts.Timing.WatchdogTimeout {
		return
	}

	j.stuck = true
	j.restarts++
	l.log(LogEntry{Type: LogError, Message: "Watchdog: travamento detectado - forçando reinicialização"})
	l.e.logger.Warn("batch.watchdog.stuck", "job_id", j.id, "cursor", j.cursor, "gap_ms", gap.Milliseconds())

	// 処理中の照会は破棄し、遅れて届いた結果は seq の不一致で捨てる
	l.stopStep()
	l.cancelInflight()

	if !l.e.opts.Session.Active() {
		l.abort("Sessão de login expirada - necessário realizar novo login", portal.CodeSessionExpired)
		return
	}
	j.failures = 0
	j.safeMode = false
	j.lastUpdate = now
	l.info(fmt.Sprintf("Processo restaurado - execução retomada a partir do registro %d", j.cursor+1))
	l.schedule(l.e.opts.Timing.RestartDelay)
}

func (l *loop) schedule(d time.Duration) {
	l.stopStep()
	l.step = time.NewTimer(d)
	l.stepC = l.step.C
}

func (l *loop) stopStep() {
	if l.step != nil {
		l.step.Stop()
		l.step, l.stepC = nil, nil
	}
}

func (l *loop) cancelInflight() {
	if l.current != nil {
		l.current.cancel()
		l.current = nil
	}
}

func (l *loop) checkpoint() Checkpoint {
	j := l.job
	return Checkpoint{
		JobID:     j.id,
		State:     j.state,
		Cursor:    j.cursor,
		Total:     j.stats.Total,
		Processed: j.stats.Processed,
		Success:   j.stats.Success,
		Errors:    j.stats.Errors,
		UpdatedAt: l.now(),
	}
}

func (l *loop) saveCheckpoint() {
	l.job.checkpoint = l.job.cursor
	l.sendCheckpoint(checkpointMsg{cp: l.checkpoint()})
}

func (l *loop) clearCheckpoint() {
	l.sendCheckpoint(checkpointMsg{clear: true})
}

// sendCheckpoint は最新の1件だけを書き込みゴルーチンへ渡します。
func (l *loop) sendCheckpoint(msg checkpointMsg) {
	if l.e.opts.Checkpointer == nil {
		return
	}
	select {
	case l.e.checkpoints <- msg:
		return
	default:
	}
	select {
	case <-l.e.checkpoints:
	default:
	}
	select {
	case l.e.checkpoints <- msg:
	default:
	}
}

func (l *loop) info(message string) {
	l.log(LogEntry{Type: LogInfo, Message: message})
}

// log はジョブログを先頭に追加し、最終更新時刻を進めます。
func (l *loop) log(entry LogEntry) {
	j := l.job
	now := l.now()
	entry.Timestamp = now
	if entry.Step == "" {
		entry.Step = stepProcessing
	}
	switch entry.Type {
	case LogError:
		entry.Status = "erro"
	case LogSuccess:
		entry.Status = "concluído"
	default:
		entry.Status = "em andamento"
	}
	if entry.ErrorCode != "" {
		entry.Message = entry.ErrorCode + ": " + entry.Message
	}

	j.logs = append(j.logs, LogEntry{})
	copy(j.logs[1:], j.logs)
	j.logs[0] = entry
	if len(j.logs) > maxLogs {
		j.logs = j.logs[:maxLogs]
	}
	if j.state.Active() {
		j.lastUpdate = now
	}

	l.e.logger.Debug("batch.log", "job_id", j.id, "type", entry.Type, "cpf", entry.CPF, "message", entry.Message)
}

func (l *loop) eta(now time.Time) string {
	j := l.job
	if j.stats.Processed == 0 {
		return ""
	}
	avg := now.Sub(j.startedAt) / time.Duration(j.stats.Processed)
	left := avg * time.Duration(j.stats.Total-j.stats.Processed)
	return fmt.Sprintf("%dm %ds", int(left.Minutes()), int(left.Seconds())%60)
}

func messageOf(err error) string {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) * 100 / float64(total)
}
