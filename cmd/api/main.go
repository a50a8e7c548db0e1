// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/margin-console/internal/auth"
	"github.com/yourusername/margin-console/internal/batch"
	"github.com/yourusername/margin-console/internal/config"
	"github.com/yourusername/margin-console/internal/portal"
	"github.com/yourusername/margin-console/internal/sheet"
	"github.com/yourusername/margin-console/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// app はルーティングに必要な依存関係をまとめたものです。
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	engine     *batch.Engine
	downloader *sheet.Downloader
	auth       *auth.Manager
	jobs       *jobsSupport
}

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.GinMode == gin.ReleaseMode {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	local := storage.NewLocal(cfg.ResultsDir, cfg.TempDir)
	if err := local.EnsureResultsDir(); err != nil {
		return err
	}
	exporter := sheet.NewXLSXExporter(local, logger)

	session := portal.NewSession()
	querier := portal.NewSimulated(portal.SimulatedOptions{
		MinLatency:  cfg.Portal.MinLatency,
		MaxLatency:  cfg.Portal.MaxLatency,
		FailureRate: cfg.Portal.FailureRate,
		SessionLoss: cfg.Portal.SessionLoss,
		Catalog:     portal.NewCatalog(nil),
		Session:     session,
		Logger:      logger,
	})

	// Redis が設定されていればチェックポイントとエクスポートをキュー経由にする
	js, err := setupJobs(ctx, cfg, exporter, logger)
	if err != nil {
		return err
	}
	opts := batch.Options{
		Querier:  querier,
		Session:  session,
		Exporter: exporter,
		Timing:   batch.TimingFromConfig(cfg.Batch),
		MaxRows:  cfg.MaxRows,
		Logger:   logger,
	}
	js.apply(&opts)
	engine := batch.New(opts)

	downloader := sheet.NewDownloader(local, logger)
	if js.manager != nil {
		downloader.WithTracker(js.manager)
	}

	a := &app{
		cfg:        cfg,
		logger:     logger,
		engine:     engine,
		downloader: downloader,
		auth:       auth.NewManager(cfg, logger),
		jobs:       js,
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	if js.manager != nil {
		g.Go(func() error {
			return js.manager.Run(gctx)
		})
	}
	g.Go(func() error {
		logger.Info("api.listening", "addr", srv.Addr, "mode", cfg.GinMode, "auth", cfg.AuthEnabled(), "redis", js.enabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("api.shutting_down")
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	js.close()
	return err
}

func (a *app) router() *gin.Engine {
	// Ginのモードを設定
	gin.SetMode(a.cfg.GinMode)

	router := gin.New()
	router.Use(gin.Recovery())
	if a.cfg.GinMode == gin.DebugMode {
		router.Use(gin.Logger())
	}
	router.MaxMultipartMemory = a.cfg.MaxFileSize

	// セッションストアの設定（未設定の開発モードでは起動ごとの一時鍵）
	secret := a.cfg.SessionSecret
	if secret == "" {
		secret = "margin-console-dev-" + time.Now().Format(time.RFC3339Nano)
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   a.auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   a.cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = splitOrigins(a.cfg.CORSAllowedOrigins)
	corsConfig.AllowCredentials = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token",
	}
	// ダウンロード時のファイル名と CSRF トークンをフロントエンドから読めるようにする
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token", "Content-Disposition", "X-Placeholder"}
	router.Use(cors.New(corsConfig))

	a.setupRoutes(router)
	return router
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	return origins
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "margin-console-api",
		"version": "0.1.0",
	})
}

// handleConfig は画面の初期表示に必要な設定値を返します。
func (a *app) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"portalUrl":   a.cfg.Portal.URL,
		"maxRows":     a.cfg.MaxRows,
		"maxFileSize": a.cfg.MaxFileSize,
		"authEnabled": a.cfg.AuthEnabled(),
		"asyncExport": a.jobs.manager != nil,
		"cadence": gin.H{
			"default": a.cfg.Batch.DefaultCadence,
			"min":     a.cfg.Batch.MinCadence,
			"max":     a.cfg.Batch.MaxCadence,
		},
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func (a *app) setupRoutes(router *gin.Engine) {
	router.GET("/health", handleHealth)

	ingest := sheet.Options{MaxRows: a.cfg.MaxRows}
	handlerOpts := batch.HandlerOptions{
		MaxFileSize: a.cfg.MaxFileSize,
		Ingest:      ingest,
		Batch:       a.cfg.Batch,
		Logger:      a.logger,
	}

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", a.auth.Login)
			authRoutes.POST("/logout",
				a.auth.RequireLogin(),
				a.auth.VerifyCSRF(),
				a.auth.Logout,
			)
			authRoutes.GET("/me", a.auth.RequireLogin(), a.auth.Me)
		}

		protected := api.Group("")
		protected.Use(a.auth.RequireLogin(), a.auth.VerifyCSRF())
		{
			protected.GET("/config", a.handleConfig)
			protected.POST("/upload/validate", sheet.ValidateHandler(a.cfg.MaxFileSize, ingest, a.logger))

			jobs := protected.Group("/jobs")
			jobs.POST("/start", batch.StartHandler(a.engine, handlerOpts))
			jobs.PUT("/pause", batch.PauseHandler(a.engine))
			jobs.PUT("/resume", batch.ResumeHandler(a.engine))
			jobs.POST("/reset", batch.ResetHandler(a.engine))
			jobs.GET("/status", batch.StatusHandler(a.engine))
			jobs.GET("/progress", batch.ProgressHandler(a.engine))
			jobs.GET("/checkpoint", batch.CheckpointHandler(a.jobs.checkpointReader()))
			jobs.GET("/exports/:jobId", exportStatusHandler(a.jobs.manager))

			protected.GET("/download", sheet.DownloadHandler(a.downloader))
			protected.GET("/download/:filename", sheet.DownloadHandler(a.downloader))

			protected.GET("/login/status", batch.LoginStatusHandler(a.engine.Session()))
			protected.PUT("/login/confirm", batch.LoginConfirmHandler(a.engine.Session()))
		}
	}
}
