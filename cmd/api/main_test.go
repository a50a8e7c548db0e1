package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/margin-console/internal/auth"
	"github.com/yourusername/margin-console/internal/batch"
	"github.com/yourusername/margin-console/internal/config"
	"github.com/yourusername/margin-console/internal/margin"
	"github.com/yourusername/margin-console/internal/portal"
	"github.com/yourusername/margin-console/internal/sheet"
	"github.com/yourusername/margin-console/internal/storage"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	cfg := &config.Config{
		GinMode:            "test",
		CORSAllowedOrigins: "http://localhost:3000",
		MaxFileSize:        1 << 20,
		MaxRows:            450,
		ResultsDir:         filepath.Join(t.TempDir(), "resultados"),
	}
	cfg.Sanitize()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	local := storage.NewLocal(cfg.ResultsDir, "")
	engine := batch.New(batch.Options{
		Querier: portal.QuerierFunc(func(context.Context, margin.Row) (margin.Details, error) {
			return margin.Details{}, nil
		}),
		Exporter: sheet.NewXLSXExporter(local, logger),
		Timing:   batch.TimingFromConfig(cfg.Batch),
		Logger:   logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &app{
		cfg:        cfg,
		logger:     logger,
		engine:     engine,
		downloader: sheet.NewDownloader(local, logger),
		auth:       auth.NewManager(cfg, logger),
		jobs:       &jobsSupport{},
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestRoutesWithoutRedis(t *testing.T) {
	router := newTestApp(t).router()

	w := get(t, router, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = get(t, router, "/api/config")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"maxRows":450`)
	assert.Contains(t, w.Body.String(), `"asyncExport":false`)

	w = get(t, router, "/api/jobs/status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"idle"`)

	w = get(t, router, "/api/jobs/checkpoint")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "CHECKPOINT_UNAVAILABLE")

	w = get(t, router, "/api/jobs/exports/abc")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "EXPORT_QUEUE_UNAVAILABLE")

	w = get(t, router, "/api/login/status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"loggedIn":false`)
}

func TestSplitOrigins(t *testing.T) {
	assert.Equal(t, []string{"http://a", "http://b"}, splitOrigins(" http://a, ,http://b "))
	assert.Equal(t, []string{"http://localhost:3000"}, splitOrigins(""))
}
