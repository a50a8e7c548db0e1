package portal

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/margin-console/internal/apperr"
	"github.com/yourusername/margin-console/internal/margin"
)

func TestCatalogResolve(t *testing.T) {
	catalog := NewCatalog(nil)

	o, kind, ok := catalog.Resolve(" 20 ")
	require.True(t, ok)
	assert.Equal(t, "SEFAZ", o.Name)
	assert.Equal(t, MatchByNumber, kind)

	o, kind, ok = catalog.Resolve("detran")
	require.True(t, ok)
	assert.Equal(t, "9", o.Number)
	assert.Equal(t, MatchByName, kind)

	o, kind, ok = catalog.Resolve("Paula Souza")
	require.True(t, ok)
	assert.Equal(t, "92", o.Number)
	assert.Equal(t, MatchByPartial, kind)

	_, _, ok = catalog.Resolve("INEXISTENTE")
	assert.False(t, ok)
	_, _, ok = catalog.Resolve("")
	assert.False(t, ok)
}

func newTestPortal(t *testing.T, failure, sessionLoss float64) (*Simulated, *Session) {
	t.Helper()
	session := NewSession()
	session.Confirm()
	return NewSimulated(SimulatedOptions{
		FailureRate: failure,
		SessionLoss: sessionLoss,
		Session:     session,
		Rand:        rand.New(rand.NewPCG(1, 2)),
		Now:         func() time.Time { return time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC) },
	}), session
}

func TestSimulatedSuccess(t *testing.T) {
	p, _ := newTestPortal(t, 0, 0)

	details, err := p.Query(context.Background(), margin.Row{CPF: "00000001234", Matricula: "77", Orgao: "20"})
	require.NoError(t, err)
	assert.Equal(t, "Servidor 1234", details.Name)
	assert.Equal(t, "SEFAZ", details.OrgaoName)
	assert.Equal(t, "03/2026", details.MesReferencia)
	assert.NotEmpty(t, details.MargemDisponivel)
}

func TestSimulatedFailureIsExternalQueryError(t *testing.T) {
	p, _ := newTestPortal(t, 1, 0)

	_, err := p.Query(context.Background(), margin.Row{CPF: "00000001234", Matricula: "77", Orgao: "20"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindExternalQuery, apperr.KindOf(err))
	assert.Contains(t, failureStages, CodeOf(err))
	assert.False(t, IsSessionExpired(err))
}

func TestSimulatedUnknownOrgao(t *testing.T) {
	p, _ := newTestPortal(t, 0, 0)

	_, err := p.Query(context.Background(), margin.Row{CPF: "00000001234", Matricula: "77", Orgao: "XYZ"})
	require.Error(t, err)
	assert.Equal(t, CodeOrgaoNotFound, CodeOf(err))
}

func TestSimulatedSessionLoss(t *testing.T) {
	p, session := newTestPortal(t, 0, 1)

	_, err := p.Query(context.Background(), margin.Row{CPF: "00000001234", Matricula: "77", Orgao: "20"})
	require.Error(t, err)
	assert.True(t, IsSessionExpired(err))
	assert.False(t, session.Active())

	_, err = p.Query(context.Background(), margin.Row{CPF: "00000001234", Matricula: "77", Orgao: "20"})
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestSimulatedHonoursContext(t *testing.T) {
	session := NewSession()
	session.Confirm()
	p := NewSimulated(SimulatedOptions{MinLatency: time.Minute, MaxLatency: time.Minute, Session: session})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Query(ctx, margin.Row{CPF: "00000001234", Matricula: "77", Orgao: "20"})
	require.Error(t, err)
	assert.Equal(t, CodeQueryTimeout, CodeOf(err))
}
