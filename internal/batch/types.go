package batch

import (
	"time"

	"github.com/yourusername/margin-console/internal/margin"
)

// State はジョブの状態です。
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
)

// Active は実行中または一時停止中かを返します。
func (s State) Active() bool {
	return s == StateRunning || s == StatePaused
}

// LogType はジョブログの種別です。
type LogType string

const (
	LogInfo    LogType = "info"
	LogWarning LogType = "warning"
	LogError   LogType = "error"
	LogSuccess LogType = "success"
)

// LogEntry は画面に表示するジョブログです。新しいものが先頭です。
type LogEntry struct {
	Type      LogType   `json:"type"`
	Message   string    `json:"message"`
	CPF       string    `json:"cpf,omitempty"`
	ErrorCode string    `json:"errorCode,omitempty"`
	Step      string    `json:"step"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats はジョブの集計値です。Processed は常に Success + Errors です。
type Stats struct {
	Total           int     `json:"total"`
	Processed       int     `json:"processed"`
	Success         int     `json:"success"`
	Errors          int     `json:"errors"`
	Remaining       int     `json:"remaining"`
	Current         string  `json:"current"`
	ETA             string  `json:"eta"`
	ProgressPercent float64 `json:"progressPercent"`
	AvgTimePerQuery float64 `json:"avgTimePerQuery"`
}

// Checkpoint は再開位置の記録です。カーソルがそのまま再開位置になります。
type Checkpoint struct {
	JobID     string    `json:"jobId"`
	State     State     `json:"state"`
	Cursor    int       `json:"cursor"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	Success   int       `json:"success"`
	Errors    int       `json:"errors"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StartInfo は開始したジョブの概要です。
type StartInfo struct {
	JobID   string        `json:"jobId"`
	Total   int           `json:"total"`
	Cadence time.Duration `json:"-"`
}

// CurrentQuery は処理中の行です。
type CurrentQuery struct {
	CPF       string  `json:"cpf"`
	Matricula string  `json:"matricula"`
	Orgao     string  `json:"orgao"`
	Status    string  `json:"status"`
	Elapsed   float64 `json:"tempo"`
	Attempt   int     `json:"tentativa"`
	Result    string  `json:"resultado,omitempty"`
}

// QuerySummary は直近の照会結果の表示用要約です。
type QuerySummary struct {
	CPF       string    `json:"cpf"`
	Matricula string    `json:"matricula"`
	Orgao     string    `json:"orgao"`
	OrgaoName string    `json:"orgaoNome,omitempty"`
	Status    string    `json:"status"`
	Result    string    `json:"resultado"`
	ErrorCode string    `json:"errorCode,omitempty"`
	Margin    string    `json:"margem,omitempty"`
	Contracts int       `json:"contratos"`
	Elapsed   float64   `json:"tempo"`
	Attempts  int       `json:"tentativa"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot は GET /jobs/status の内容です。
type Snapshot struct {
	JobID         string         `json:"jobId,omitempty"`
	State         State          `json:"state"`
	IsRunning     bool           `json:"isRunning"`
	IsPaused      bool           `json:"isPaused"`
	Completed     bool           `json:"completed"`
	Cadence       float64        `json:"cadence"`
	Stats         Stats          `json:"stats"`
	CurrentQuery  *CurrentQuery  `json:"currentQuery"`
	RecentQueries []QuerySummary `json:"recentQueries"`
	RecentLogs    []LogEntry     `json:"recentLogs"`
	ResultFile    string         `json:"resultFile,omitempty"`
	ExportPending bool           `json:"exportPending"`
	ExportError   string         `json:"exportError,omitempty"`
	AbortReason   string         `json:"abortReason,omitempty"`
}

// Monitoring は停止検知と自動復旧の状態です。
type Monitoring struct {
	LastUpdateTime       time.Time `json:"lastUpdateTime"`
	StartTime            time.Time `json:"startTime"`
	TotalElapsedMillis   int64     `json:"totalElapsedTime"`
	StuckDetectionActive bool      `json:"stuckDetectionActive"`
	AutoRecoveryStatus   string    `json:"autoRecoveryStatus"`
	CurrentIndex         int       `json:"currentIndex"`
	TotalRecords         int       `json:"totalRecords"`
	SafeMode             bool      `json:"safeMode"`
	ConsecutiveFailures  int       `json:"consecutiveFailures"`
	CheckpointIndex      int       `json:"checkpointIndex"`
	Restarts             int       `json:"restarts"`
}

// Progress は GET /jobs/progress の内容です。
type Progress struct {
	JobID         string        `json:"jobId,omitempty"`
	State         State         `json:"state"`
	Stats         Stats         `json:"stats"`
	CurrentQuery  *CurrentQuery `json:"currentQuery"`
	Logs          []LogEntry    `json:"logs"`
	Completed     bool          `json:"completed"`
	Paused        bool          `json:"paused"`
	IsStuck       bool          `json:"isStuck"`
	SessionActive bool          `json:"sessionActive"`
	FileValidated bool          `json:"fileValidated"`
	ResultFile    string        `json:"resultFile,omitempty"`
	ExportPending bool          `json:"exportPending"`
	ExportError   string        `json:"exportError,omitempty"`
	AbortReason   string        `json:"abortReason,omitempty"`
	Monitoring    Monitoring    `json:"monitoring"`
}

// job はイベントループだけが触るジョブの状態です。
type job struct {
	id            string
	state         State
	rows          []margin.Row
	results       []margin.Result
	cursor        int
	stats         Stats
	logs          []LogEntry
	cadence       time.Duration
	startedAt     time.Time
	finishedAt    time.Time
	lastUpdate    time.Time
	stuck         bool
	restarts      int
	failures      int
	safeMode      bool
	fileValidated bool
	checkpoint    int
	exportFile    string
	exportPending bool
	exportError   string
	abortReason   string
}
