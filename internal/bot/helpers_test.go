package bot

import (
	"context"
	"strings"
	"sync"

	"perp-signal-bot-go/internal/exchange"
	"perp-signal-bot-go/internal/models"

	"go.uber.org/zap"
)

// recordingExchange 在模拟盘之上记录下单和撤单调用的顺序
type recordingExchange struct {
	*exchange.PaperExchange
	mu       sync.Mutex
	calls    []string
	override *models.RawPosition
}

func (r *recordingExchange) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	call := string(req.Type) + " " + string(req.Side)
	if req.ReduceOnly && req.Type == models.Market {
		call += " reduce"
	}
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
	return r.PaperExchange.SubmitOrder(ctx, req)
}

func (r *recordingExchange) CancelAllOrders(ctx context.Context, symbol string, hashes []string) error {
	r.mu.Lock()
	r.calls = append(r.calls, "CANCEL_ALL")
	r.mu.Unlock()
	return r.PaperExchange.CancelAllOrders(ctx, symbol, hashes)
}

func (r *recordingExchange) GetPosition(ctx context.Context, symbol string) (*models.RawPosition, error) {
	if r.override != nil {
		return r.override, nil
	}
	return r.PaperExchange.GetPosition(ctx, symbol)
}

func (r *recordingExchange) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := r.calls
	r.calls = nil
	return calls
}

func marketOnly(calls []string) []string {
	var out []string
	for _, c := range calls {
		if strings.HasPrefix(c, string(models.Market)) {
			out = append(out, c)
		}
	}
	return out
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs map[models.NotifyTarget][]string
}

func (n *recordingNotifier) Send(ctx context.Context, target models.NotifyTarget, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.msgs == nil {
		n.msgs = map[models.NotifyTarget][]string{}
	}
	n.msgs[target] = append(n.msgs[target], msg)
}

func (n *recordingNotifier) containing(target models.NotifyTarget, sub string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, m := range n.msgs[target] {
		if strings.Contains(m, sub) {
			count++
		}
	}
	return count
}

type memorySink struct {
	mu      sync.Mutex
	journal []models.JournalEntry
	states  []models.StrategyRuntimeState
}

func (s *memorySink) RecordJournal(entry models.JournalEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, entry)
}

func (s *memorySink) TickCompleted(state models.StrategyRuntimeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
}

func (s *memorySink) actions() []models.JournalAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.JournalAction, 0, len(s.journal))
	for _, e := range s.journal {
		out = append(out, e.Action)
	}
	return out
}

func testConfig() *models.Config {
	cfg := &models.Config{
		Symbol:             "ETH-PERP",
		Quantity:           0.01,
		StopLoss:           0.0075,
		TakeProfit:         0.0075,
		NeutralTolerance:   3,
		PricePrecision:     1,
		Leverage:           20,
		OrderExpiryHours:   240,
		SignalIntervalSec:  300,
		SignalOffsetSec:    2,
		FillTimeoutSec:     1,
		FillPollIntervalMs: 1,
	}
	cfg.Paper.InitialPrice = 3000
	cfg.Paper.Leverage = 5
	cfg.Notify.Mention = "<@ops>"
	return cfg
}

type harness struct {
	cfg      *models.Config
	ex       *recordingExchange
	notifier *recordingNotifier
	sink     *memorySink
	rec      *Reconciler
}

func newHarness(mutate ...func(*models.Config)) *harness {
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	ex := &recordingExchange{PaperExchange: exchange.NewPaperExchange(cfg, zap.NewNop())}
	n := &recordingNotifier{}
	sink := &memorySink{}
	return &harness{
		cfg:      cfg,
		ex:       ex,
		notifier: n,
		sink:     sink,
		rec:      NewReconciler(ex, cfg, n, sink, zap.NewNop()),
	}
}
