// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定（空の場合はログイン不要の開発モード）
	AppUsername     string `env:"APP_USERNAME"`
	AppPasswordHash string `env:"APP_PASSWORD_HASH"`
	SessionSecret   string `env:"SESSION_SECRET"`
	Auth            AuthConfig

	// サーバー設定
	Port     string `env:"PORT" envDefault:"8080"`
	GinMode  string `env:"GIN_MODE" envDefault:"debug"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// CORS許可オリジン（カンマ区切り）
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:3000"`

	// アップロード制限
	MaxFileSize int64 `env:"MAX_FILE_SIZE" envDefault:"10485760"` // 10MB
	MaxRows     int   `env:"MAX_ROWS" envDefault:"450"`

	// 結果ファイル
	ResultsDir string `env:"RESULTS_DIR" envDefault:"resultados/consultas_margem"`
	TempDir    string `env:"TEMP_DIR" envDefault:"temp"`

	// 処理ループ
	Batch BatchConfig

	// 疑似ポータル
	Portal PortalConfig

	// ジョブ/キュー設定（空ならRedisを使わずプロセス内で完結）
	QueueRedisURL     string `env:"QUEUE_REDIS_URL"`
	CheckpointTTLMins int    `env:"CHECKPOINT_TTL_MINUTES" envDefault:"720"`
	ExportAsync       bool   `env:"EXPORT_ASYNC" envDefault:"true"`
}

// AuthConfig はオペレーターのセッション寿命とログイン試行制限です。
type AuthConfig struct {
	SessionLifetime  time.Duration `env:"AUTH_SESSION_LIFETIME" envDefault:"12h"`
	IdleTimeout      time.Duration `env:"AUTH_IDLE_TIMEOUT" envDefault:"30m"`
	LoginWindow      time.Duration `env:"AUTH_LOGIN_WINDOW" envDefault:"15m"`
	LockDuration     time.Duration `env:"AUTH_LOCK_DURATION" envDefault:"10m"`
	MaxLoginAttempts int           `env:"AUTH_MAX_LOGIN_ATTEMPTS" envDefault:"5"`
}

// Sanitize は未設定の値を既定値で埋めます。
func (a *AuthConfig) Sanitize() {
	if a.SessionLifetime <= 0 {
		a.SessionLifetime = 12 * time.Hour
	}
	if a.IdleTimeout <= 0 || a.IdleTimeout > a.SessionLifetime {
		a.IdleTimeout = min(30*time.Minute, a.SessionLifetime)
	}
	if a.LoginWindow <= 0 {
		a.LoginWindow = 15 * time.Minute
	}
	if a.LockDuration <= 0 {
		a.LockDuration = 10 * time.Minute
	}
	if a.MaxLoginAttempts < 1 {
		a.MaxLoginAttempts = 5
	}
}

// BatchConfig は処理ループとウォッチドッグの設定です。
type BatchConfig struct {
	// Cadence は秒単位の既定値と許容範囲です。
	DefaultCadence int `env:"CADENCE_DEFAULT" envDefault:"4"`
	MinCadence     int `env:"CADENCE_MIN" envDefault:"3"`
	MaxCadence     int `env:"CADENCE_MAX" envDefault:"10"`

	Jitter            time.Duration `env:"CADENCE_JITTER" envDefault:"1s"`
	StartDelay        time.Duration `env:"START_DELAY" envDefault:"1s"`
	ResumeDelay       time.Duration `env:"RESUME_DELAY" envDefault:"1s"`
	RestartDelay      time.Duration `env:"RESTART_DELAY" envDefault:"2s"`
	MaxAttempts       int           `env:"QUERY_MAX_ATTEMPTS" envDefault:"2"`
	RetryBackoff      time.Duration `env:"QUERY_RETRY_BACKOFF" envDefault:"2s"`
	QueryTimeout      time.Duration `env:"QUERY_TIMEOUT" envDefault:"45s"`
	SafeModeThreshold int           `env:"SAFE_MODE_THRESHOLD" envDefault:"3"`
	WatchdogInterval  time.Duration `env:"WATCHDOG_INTERVAL" envDefault:"10s"`
	WatchdogTimeout   time.Duration `env:"WATCHDOG_TIMEOUT" envDefault:"60s"`

	// アップロードによる開始をポータルへのログイン確認とみなす
	ConfirmSessionOnStart bool `env:"CONFIRM_SESSION_ON_START" envDefault:"true"`
}

// PortalConfig は疑似ポータルの挙動を調整します。
type PortalConfig struct {
	URL         string        `env:"PORTAL_URL" envDefault:"https://www.portaldoconsignado.com.br/consignatario/pesquisarMargem"`
	MinLatency  time.Duration `env:"PORTAL_MIN_LATENCY" envDefault:"1s"`
	MaxLatency  time.Duration `env:"PORTAL_MAX_LATENCY" envDefault:"4s"`
	FailureRate float64       `env:"PORTAL_FAILURE_RATE" envDefault:"0.1"`
	SessionLoss float64       `env:"PORTAL_SESSION_LOSS_RATE" envDefault:"0"`
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Sanitize は読み込んだ値を安全な範囲に丸めます。
func (c *Config) Sanitize() {
	if c.MaxRows <= 0 {
		c.MaxRows = 450
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 10 << 20
	}
	if c.CheckpointTTLMins <= 0 {
		c.CheckpointTTLMins = 720
	}
	c.Auth.Sanitize()
	c.Batch.Sanitize()
	c.Portal.Sanitize()
}

// Sanitize はケイデンスと各種タイマーの下限を保証します。
func (b *BatchConfig) Sanitize() {
	if b.MinCadence <= 0 {
		b.MinCadence = 3
	}
	if b.MaxCadence < b.MinCadence {
		b.MaxCadence = b.MinCadence
	}
	b.DefaultCadence = b.ClampCadence(b.DefaultCadence)
	if b.MaxAttempts < 1 {
		b.MaxAttempts = 1
	}
	if b.SafeModeThreshold < 1 {
		b.SafeModeThreshold = 3
	}
	if b.WatchdogInterval <= 0 {
		b.WatchdogInterval = 10 * time.Second
	}
	if b.WatchdogTimeout <= b.WatchdogInterval {
		b.WatchdogTimeout = 6 * b.WatchdogInterval
	}
	if b.QueryTimeout <= 0 {
		b.QueryTimeout = 45 * time.Second
	}
	if b.RetryBackoff < 0 {
		b.RetryBackoff = 0
	}
	// 照会の1試行と再試行待ちの間はログが更新されないため、ウォッチドッグはそれより長く待つ
	if floor := b.QueryTimeout + b.RetryBackoff + b.WatchdogInterval; b.WatchdogTimeout < floor {
		b.WatchdogTimeout = floor
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
}

// ClampCadence は秒数を許容範囲に収めます。0以下は既定値として扱います。
func (b BatchConfig) ClampCadence(seconds int) int {
	if seconds <= 0 {
		seconds = b.DefaultCadence
	}
	if seconds < b.MinCadence {
		return b.MinCadence
	}
	if seconds > b.MaxCadence {
		return b.MaxCadence
	}
	return seconds
}

// Sanitize は疑似ポータルの遅延と確率を正規化します。
func (p *PortalConfig) Sanitize() {
	if p.MinLatency < 0 {
		p.MinLatency = 0
	}
	if p.MaxLatency < p.MinLatency {
		p.MaxLatency = p.MinLatency
	}
	p.FailureRate = clampRate(p.FailureRate)
	p.SessionLoss = clampRate(p.SessionLoss)
}

func clampRate(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// AuthEnabled はオペレーター認証が設定されているかを返します。
func (c *Config) AuthEnabled() bool {
	return c.AppUsername != "" && c.AppPasswordHash != ""
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	// ローカル開発では認証設定は任意
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
	}
	if c.AuthEnabled() && c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required when APP_USERNAME is set")
	}
	if c.ResultsDir == "" {
		return fmt.Errorf("RESULTS_DIR must not be empty")
	}
	return nil
}
