package jobs

import "time"

// Status はエクスポートタスクの実行状態を表します。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "done"
	StatusFailed    Status = "error"
)

// ErrorInfo はタスク失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ExportRecord はエクスポートタスクの現在状態を表します。
type ExportRecord struct {
	JobID       string     `json:"jobId"`
	Filename    string     `json:"filename"`
	Status      Status     `json:"status"`
	Rows        int        `json:"rows"`
	Attempts    int        `json:"attempts"`
	DownloadURL string     `json:"downloadUrl,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
}
