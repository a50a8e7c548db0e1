package portal

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/yourusername/margin-console/internal/margin"
)

// SimulatedOptions は疑似ポータルの挙動を指定します。
type SimulatedOptions struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64 // 1回の照会が失敗する確率
	SessionLoss float64 // 照会中にセッションが失効する確率
	Catalog     *Catalog
	Session     *Session
	Rand        *rand.Rand
	Now         func() time.Time
	Logger      *slog.Logger
}

// Simulated は実ポータルの代わりに乱数で結果を返す Querier です。
// 画面検証・入力・検索・抽出の各段階で失敗し得る点だけを再現します。
type Simulated struct {
	opts SimulatedOptions

	mu  sync.Mutex
	rnd *rand.Rand
}

var failureStages = []string{
	CodePageNotLoaded,
	CodeFieldNotFound,
	CodeClickFailed,
	CodeParseFailed,
}

// NewSimulated は Simulated を作成します。
func NewSimulated(opts SimulatedOptions) *Simulated {
	if opts.Catalog == nil {
		opts.Catalog = NewCatalog(nil)
	}
	if opts.Session == nil {
		opts.Session = NewSession()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed))
	}
	return &Simulated{opts: opts, rnd: rnd}
}

// Query は遅延ののち、疑似的な照会結果を返します。
func (s *Simulated) Query(ctx context.Context, row margin.Row) (margin.Details, error) {
	if !s.opts.Session.Active() {
		return margin.Details{}, ErrSessionExpired
	}

	orgao, match, ok := s.opts.Catalog.Resolve(row.Orgao)
	if !ok {
		return margin.Details{}, NewQueryError(CodeOrgaoNotFound, fmt.Errorf("órgão %q não está na lista", row.Orgao))
	}
	s.opts.Logger.Debug("portal.orgao.resolved", "orgao", orgao.Label(), "match", match)

	s.mu.Lock()
	latency := s.latency()
	sessionLost := s.rnd.Float64() < s.opts.SessionLoss
	failed := s.rnd.Float64() < s.opts.FailureRate
	stage := failureStages[s.rnd.IntN(len(failureStages))]
	details := s.details(row, orgao)
	s.mu.Unlock()

	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return margin.Details{}, NewQueryError(CodeQueryTimeout, ctx.Err())
	case <-timer.C:
	}

	if sessionLost {
		s.opts.Session.Expire()
		return margin.Details{}, ErrSessionExpired
	}
	if failed {
		return margin.Details{}, NewQueryError(stage, nil)
	}
	return details, nil
}

func (s *Simulated) latency() time.Duration {
	span := s.opts.MaxLatency - s.opts.MinLatency
	if span <= 0 {
		return s.opts.MinLatency
	}
	return s.opts.MinLatency + time.Duration(s.rnd.Int64N(int64(span)))
}

func (s *Simulated) details(row margin.Row, orgao Orgao) margin.Details {
	now := s.opts.Now()
	suffix := row.CPF
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return margin.Details{
		Name:             "Servidor " + suffix,
		OrgaoName:        orgao.Name,
		MargemBruta:      money(s.rnd.Float64()*8000 + 2000),
		MargemDisponivel: money(s.rnd.Float64()*5000 + 1000),
		SalarioBase:      money(s.rnd.Float64()*12000 + 3000),
		ContratosAtivos:  s.rnd.IntN(4),
		SituacaoAtual:    "Ativo",
		DescontoMaximo:   "30%",
		Identificacao:    fmt.Sprintf("ID%09d", s.rnd.IntN(1_000_000_000)),
		MesReferencia:    now.Format("01/2006"),
		DataProximaFolha: now.AddDate(0, 0, 30).Format("02/01/2006"),
		Lotacao:          fmt.Sprintf("Lotação %d", s.rnd.IntN(100)),
		CargoFuncao:      "Servidor Público",
		TipoVinculo:      "Efetivo",
	}
}

func money(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
