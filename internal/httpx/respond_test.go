package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/margin-console/internal/apperr"
)

func respond(t *testing.T, err error) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	RespondError(ctx, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestRespondErrorUsesKind(t *testing.T) {
	rec, body := respond(t, apperr.Conflict("JOB_ALREADY_RUNNING", "em andamento"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "JOB_ALREADY_RUNNING", body["error"])
	assert.Equal(t, "em andamento", body["message"])
}

func TestRespondErrorHidesInternalDetails(t *testing.T) {
	rec, body := respond(t, errors.New("open /secret/path: permission denied"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", body["error"])
	assert.NotContains(t, body["message"], "/secret/path")
}
