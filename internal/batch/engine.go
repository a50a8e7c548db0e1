// Package batch はマージン照会ジョブの状態機械を単一のイベントループで駆動します。
//
// ジョブの状態はすべて Run のゴルーチンだけが所有します。公開メソッドはコマンドとして
// ループへ送られ、照会やエクスポートは補助ゴルーチンで実行されて結果をループへ戻します。
package batch

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/yourusername/margin-console/internal/apperr"
	"github.com/yourusername/margin-console/internal/config"
	"github.com/yourusername/margin-console/internal/margin"
	"github.com/yourusername/margin-console/internal/portal"
)

// 制御操作のエラーコードです。
const (
	CodeJobAlreadyRunning = "JOB_ALREADY_RUNNING"
	CodeJobNotRunning     = "JOB_NOT_RUNNING"
	CodeNoValidRows       = "NO_VALID_ROWS"
	CodeSessionRequired   = "SESSION_REQUIRED"
	CodeEngineStopped     = "ENGINE_STOPPED"
)

const (
	maxLogs            = 200
	statusLogCount     = 5
	progressLogCount   = 15
	recentQueryCount   = 10
	progressLogEvery   = 5
	checkpointLogEvery = 25
	checkpointTimeout  = 5 * time.Second
)

// ErrEngineStopped はイベントループが動いていないときに返ります。
var ErrEngineStopped = apperr.New(apperr.KindInternal, CodeEngineStopped, "O processador de tarefas não está em execução.", nil)

// Exporter は完了したジョブの結果を書き出し、ファイル名を返します。
type Exporter interface {
	Export(ctx context.Context, jobID string, results []margin.Result) (string, error)
}

// Checkpointer はチェックポイントを外部へ保存します。
type Checkpointer interface {
	Save(ctx context.Context, cp Checkpoint) error
	Clear(ctx context.Context) error
}

// Timing はループの遅延とウォッチドッグの設定です。
type Timing struct {
	StartDelay        time.Duration
	ResumeDelay       time.Duration
	RestartDelay      time.Duration
	Jitter            time.Duration
	SafeModePad       time.Duration
	MaxAttempts       int
	RetryBackoff      time.Duration
	QueryTimeout      time.Duration
	SafeModeThreshold int
	WatchdogInterval  time.Duration
	WatchdogTimeout   time.Duration
	// StuckGrace は開始後、1件も処理されないまま停止とみなすまでの時間です。
	StuckGrace    time.Duration
	ExportTimeout time.Duration
}

// TimingFromConfig は設定から Timing を作ります。
func TimingFromConfig(b config.BatchConfig) Timing {
	return Timing{
		StartDelay:        b.StartDelay,
		ResumeDelay:       b.ResumeDelay,
		RestartDelay:      b.RestartDelay,
		Jitter:            b.Jitter,
		SafeModePad:       2 * time.Second,
		MaxAttempts:       b.MaxAttempts,
		RetryBackoff:      b.RetryBackoff,
		QueryTimeout:      b.QueryTimeout,
		SafeModeThreshold: b.SafeModeThreshold,
		WatchdogInterval:  b.WatchdogInterval,
		WatchdogTimeout:   b.WatchdogTimeout,
		StuckGrace:        15 * time.Second,
		ExportTimeout:     2 * time.Minute,
	}
}

func (t *Timing) sanitize() {
	if t.MaxAttempts < 1 {
		t.MaxAttempts = 1
	}
	if t.SafeModeThreshold < 1 {
		t.SafeModeThreshold = 3
	}
	if t.QueryTimeout <= 0 {
		t.QueryTimeout = 45 * time.Second
	}
	if t.WatchdogInterval <= 0 {
		t.WatchdogInterval = 10 * time.Second
	}
	if t.WatchdogTimeout <= 0 {
		t.WatchdogTimeout = 60 * time.Second
	}
	if t.StuckGrace <= 0 {
		t.StuckGrace = 15 * time.Second
	}
	if t.ExportTimeout <= 0 {
		t.ExportTimeout = 2 * time.Minute
	}
}

// Options は Engine の依存関係です。Querier は必須です。
type Options struct {
	Querier      portal.Querier
	Session      *portal.Session
	Exporter     Exporter
	Checkpointer Checkpointer
	Timing       Timing
	MaxRows      int
	Logger       *slog.Logger
	Now          func() time.Time
	// Rand は [0,1) の乱数で、ケイデンスのゆらぎに使います。
	Rand func() float64
}

type command struct {
	fn   func(l *loop)
	done chan struct{}
}

type checkpointMsg struct {
	cp    Checkpoint
	clear bool
}

// Engine は1つのジョブを駆動するイベントループです。
type Engine struct {
	opts        Options
	logger      *slog.Logger
	cmds        chan command
	events      chan func(l *loop)
	checkpoints chan checkpointMsg
	stopped     chan struct{}
	started     atomic.Bool
}

// New は Engine を作成します。ループを動かすには Run を呼び出してください。
func New(opts Options) *Engine {
	if opts.Session == nil {
		opts.Session = portal.NewSession()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	opts.Timing.sanitize()
	return &Engine{
		opts:        opts,
		logger:      opts.Logger,
		cmds:        make(chan command),
		events:      make(chan func(l *loop), 16),
		checkpoints: make(chan checkpointMsg, 1),
		stopped:     make(chan struct{}),
	}
}

// Session はエンジンが参照するポータルセッションを返します。
func (e *Engine) Session() *portal.Session {
	return e.opts.Session
}

// Run は ctx が終了するまでイベントループを実行します。1回だけ呼び出せます。
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("batch engine already running")
	}
	defer close(e.stopped)

	if e.opts.Checkpointer != nil {
		go e.writeCheckpoints(ctx)
	}

	l := newLoop(ctx, e)
	defer l.shutdown()

	e.logger.Info("batch.engine.started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("batch.engine.stopped")
			return nil
		case cmd := <-e.cmds:
			cmd.fn(l)
			close(cmd.done)
		case fn := <-e.events:
			fn(l)
		case <-l.stepC:
			l.step, l.stepC = nil, nil
			l.runStep()
		case <-l.watchC:
			l.checkWatchdog()
		}
	}
}

// exec は fn をループ上で実行し、完了を待ちます。
func (e *Engine) exec(ctx context.Context, fn func(l *loop)) error {
	done := make(chan struct{})
	select {
	case e.cmds <- command{fn: fn, done: done}:
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post は補助ゴルーチンからループへ処理を戻します。
func (e *Engine) post(fn func(l *loop)) bool {
	select {
	case e.events <- fn:
		return true
	case <-e.stopped:
		return false
	}
}

func (e *Engine) writeCheckpoints(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.checkpoints:
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointTimeout)
			var err error
			if msg.clear {
				err = e.opts.Checkpointer.Clear(saveCtx)
			} else {
				err = e.opts.Checkpointer.Save(saveCtx, msg.cp)
			}
			cancel()
			if err != nil {
				e.logger.Warn("batch.checkpoint.write_failed", "job_id", msg.cp.JobID, "err", err)
			}
		}
	}
}

// Start は新しいジョブを開始します。実行中または一時停止中は JOB_ALREADY_RUNNING です。
func (e *Engine) Start(ctx context.Context, rows []margin.Row, cadence time.Duration) (StartInfo, error) {
	return e.start(ctx, rows, cadence, false)
}

// StartConfirmingSession は Start と同じですが、開始できる場合に限りポータルのログインを確認済みにします。
// 開始が拒否されたときはセッションの状態を変えません。
func (e *Engine) StartConfirmingSession(ctx context.Context, rows []margin.Row, cadence time.Duration) (StartInfo, error) {
	return e.start(ctx, rows, cadence, true)
}

func (e *Engine) start(ctx context.Context, rows []margin.Row, cadence time.Duration, confirm bool) (StartInfo, error) {
	var (
		info StartInfo
		err  error
	)
	if execErr := e.exec(ctx, func(l *loop) { info, err = l.start(rows, cadence, confirm) }); execErr != nil {
		return StartInfo{}, execErr
	}
	return info, err
}

// Pause は次のステップの予約を取り消します。処理中の行はそのまま記録されます。
func (e *Engine) Pause(ctx context.Context) error {
	var err error
	if execErr := e.exec(ctx, func(l *loop) { err = l.pause() }); execErr != nil {
		return execErr
	}
	return err
}

// Resume は一時停止中のジョブを再開します。一時停止中でなければ何もせず false を返します。
func (e *Engine) Resume(ctx context.Context) (bool, error) {
	var resumed bool
	if err := e.exec(ctx, func(l *loop) { resumed = l.resume() }); err != nil {
		return false, err
	}
	return resumed, nil
}

// Reset はタイマーと処理中の照会を止め、すべての状態を破棄します。
func (e *Engine) Reset(ctx context.Context) error {
	return e.exec(ctx, func(l *loop) { l.reset() })
}

// Status は状態のスナップショットを返します。
func (e *Engine) Status(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if err := e.exec(ctx, func(l *loop) { snap = l.snapshot() }); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Progress は停止検知の情報を含む拡張スナップショットを返します。
func (e *Engine) Progress(ctx context.Context) (Progress, error) {
	var p Progress
	if err := e.exec(ctx, func(l *loop) { p = l.progress() }); err != nil {
		return Progress{}, err
	}
	return p, nil
}

// Results は記録済みの結果のコピーを返します。
func (e *Engine) Results(ctx context.Context) ([]margin.Result, error) {
	var results []margin.Result
	if err := e.exec(ctx, func(l *loop) {
		results = append([]margin.Result(nil), l.job.results...)
	}); err != nil {
		return nil, err
	}
	return results, nil
}
