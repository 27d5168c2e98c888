// Package position owns the probe trade state machine: market locks,
// confirmation idempotency, exits and the persisted snapshot and ledger.
package position

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/google/uuid"
)

// Config tunes the manager.
type Config struct {
	ConfirmTimeout time.Duration
	ActionCooldown time.Duration
	IdempotencyTTL time.Duration
	SaveDebounce   time.Duration
	SweepInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 30 * time.Second
	}
	if c.ActionCooldown <= 0 {
		c.ActionCooldown = 2 * time.Second
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = time.Hour
	}
	if c.SaveDebounce <= 0 {
		c.SaveDebounce = time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	return c
}

// Subscriber is asked for a market-data subscription when a trade opens.
type Subscriber interface {
	Subscribe(ctx context.Context, tokenID string) error
}

// Listener observes trade lifecycle events. It runs on the caller's
// goroutine and must not block.
type Listener func(domain.TradeEvent)

// Deps are the optional collaborators. Any of them may be nil.
type Deps struct {
	State      *StateStore
	Ledger     *Ledger
	Store      domain.TradeStore
	Publisher  domain.EventPublisher
	Subscriber Subscriber
}

// CreateParams describes a filled first leg.
type CreateParams struct {
	MarketID string
	TokenID  string
	Side     domain.Side
	Size     float64
	Price    *float64
	EntryID  string
	Timeout  time.Duration
	Source   string
}

// Manager is the single owner of trade state. All mutations happen under
// one mutex; I/O to mirrors happens after it is released.
type Manager struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	trades       map[string]*domain.Trade
	locks        map[string]string
	idem         map[string]time.Time
	exitRequests map[string]time.Time
	cooldowns    map[string]time.Time
	dirty        bool
	lastSave  time.Time
	listeners []Listener

	mirrors sync.WaitGroup
}

// NewManager builds a manager. Call Restore before serving requests.
func NewManager(cfg Config, deps Deps, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:          cfg.withDefaults(),
		deps:         deps,
		logger:       logger.With(slog.String("component", "position")),
		now:          time.Now,
		trades:       make(map[string]*domain.Trade),
		locks:        make(map[string]string),
		idem:         make(map[string]time.Time),
		exitRequests: make(map[string]time.Time),
		cooldowns:    make(map[string]time.Time),
	}
}

// OnEvent registers a lifecycle listener.
func (m *Manager) OnEvent(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Restore loads the snapshot file and re-opens every ledger trade that has
// no close record. Rehydrated trades never time out: their first leg is
// already filled.
func (m *Manager) Restore() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deps.State != nil {
		snap, found, err := m.deps.State.load()
		if err != nil {
			m.logger.Error("state load failed", slog.String("error", err.Error()))
		} else if found {
			for k, v := range snap.MarketLocks {
				m.locks[k] = v
			}
			m.idem = fromUnix(snap.ActionIdempotency)
			m.exitRequests = fromUnix(snap.ExitRequests)
			m.cooldowns = fromUnix(snap.ActionCooldowns)
			m.pruneLocked(m.now())
		}
	}

	if m.deps.Ledger == nil {
		return nil
	}
	open, err := m.deps.Ledger.OpenRecords()
	if err != nil {
		return fmt.Errorf("position: rehydrate: %w", err)
	}
	restored := 0
	for _, rec := range open {
		if owner, ok := m.locks[rec.MarketID]; ok && owner != rec.TradeID {
			if t, live := m.trades[owner]; live && !t.Status.IsTerminal() {
				m.logger.Warn("rehydrate skipped: market locked",
					slog.String("trade_id", rec.TradeID),
					slog.String("market_id", rec.MarketID),
				)
				continue
			}
		}
		created, err := time.Parse(time.RFC3339Nano, rec.EntryTimeUTC)
		if err != nil {
			created = m.now()
		}
		status := rec.Status
		if status == "" || status.IsTerminal() {
			status = domain.StatusPending
		}
		m.trades[rec.TradeID] = &domain.Trade{
			ID:         rec.TradeID,
			MarketID:   rec.MarketID,
			TokenID:    rec.TokenID,
			Side:       rec.Side,
			Leg1Size:   rec.Size,
			Leg1Price:  rec.EntryPrice,
			TotalSize:  rec.Size,
			EntryPrice: rec.EntryPrice,
			Status:     status,
			CreatedAt:  created,
			Processed:  make(map[string]time.Time),
			Source:     "rehydrated",
		}
		m.locks[rec.MarketID] = rec.TradeID
		restored++
	}
	if restored > 0 {
		m.logger.Info("rehydrated open trades", slog.Int("count", restored))
	}
	return nil
}

// NewTradeID returns an id of the form trade_<unixms>_<hex8>.
func NewTradeID(now time.Time) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("trade_%d_%s", now.UnixMilli(), hex[:8])
}

// CreateTrade opens a PENDING trade and locks its market. A lock held by a
// terminal or unknown trade is reclaimed.
func (m *Manager) CreateTrade(ctx context.Context, p CreateParams) (*domain.Trade, error) {
	if p.Price == nil || math.IsNaN(*p.Price) || *p.Price < 0 || *p.Price > 1 {
		return nil, fmt.Errorf("position: create trade: %w", domain.ErrInvalidPrice)
	}
	if p.Size <= 0 {
		return nil, fmt.Errorf("position: create trade: %w", domain.ErrInvalidSize)
	}

	m.mu.Lock()
	if owner, ok := m.locks[p.MarketID]; ok {
		if t, live := m.trades[owner]; live && !t.Status.IsTerminal() {
			m.mu.Unlock()
			return nil, fmt.Errorf("position: create trade on %s held by %s: %w", p.MarketID, owner, domain.ErrMarketLocked)
		}
		delete(m.locks, p.MarketID)
	}

	now := m.now()
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = m.cfg.ConfirmTimeout
	}
	t := &domain.Trade{
		ID:         NewTradeID(now),
		MarketID:   p.MarketID,
		TokenID:    p.TokenID,
		Side:       p.Side,
		Leg1Size:   p.Size,
		Leg1Price:  *p.Price,
		TotalSize:  p.Size,
		EntryPrice: *p.Price,
		Status:     domain.StatusPending,
		CreatedAt:  now,
		Timeout:    timeout,
		Processed:  make(map[string]time.Time),
		Source:     p.Source,
	}
	m.trades[t.ID] = t
	m.locks[p.MarketID] = t.ID
	m.saveLocked(true)
	out := t.Clone()
	m.mu.Unlock()

	if m.deps.Ledger != nil {
		if err := m.deps.Ledger.append(openRecord(out)); err != nil {
			m.logger.Error("ledger open failed", slog.String("trade_id", out.ID), slog.String("error", err.Error()))
		}
	}
	m.logger.Info("trade created",
		slog.String("trade_id", out.ID),
		slog.String("market_id", out.MarketID),
		slog.String("side", string(out.Side)),
		slog.Float64("size", out.TotalSize),
		slog.Float64("entry_price", out.EntryPrice),
	)
	if m.deps.Subscriber != nil && out.TokenID != "" {
		if err := m.deps.Subscriber.Subscribe(ctx, out.TokenID); err != nil {
			m.logger.Debug("subscribe on create failed", slog.String("token_id", out.TokenID), slog.String("error", err.Error()))
		}
	}
	m.emit(domain.TradeEvent{Type: domain.TradeOpened, Trade: out, At: now})
	return &out, nil
}

// ProcessConfirmation applies an ADD, HEDGE or EXIT action. A repeated
// action id is answered as already handled without side effects.
func (m *Manager) ProcessConfirmation(_ context.Context, tradeID string, action domain.Action, actionID string, size *float64) domain.ConfirmResult {
	m.mu.Lock()
	now := m.now()
	m.pruneLocked(now)

	if _, seen := m.idem[actionID]; seen && actionID != "" {
		res := domain.ConfirmResult{OK: true, AlreadyHandled: true, Message: "action already processed", Reason: "already_handled"}
		if t, ok := m.trades[tradeID]; ok {
			res.Status = t.Status
		}
		m.mu.Unlock()
		return res
	}

	t, ok := m.trades[tradeID]
	if !ok {
		m.mu.Unlock()
		return domain.ConfirmResult{Message: "trade " + tradeID + " not found", Reason: "not_found"}
	}
	if timedOut := m.checkTimeoutLocked(t, now); timedOut {
		ev := domain.TradeEvent{Type: domain.TradeTimedOut, Trade: t.Clone(), At: now}
		m.saveLocked(false)
		m.mu.Unlock()
		m.afterTerminal(ev)
		return domain.ConfirmResult{Status: domain.StatusTimeout, Message: "trade " + tradeID + " timed out", Reason: "timeout"}
	}
	if action == domain.ActionExit && t.Status == domain.StatusExited {
		st := t.Status
		m.mu.Unlock()
		return domain.ConfirmResult{OK: true, Status: st, AlreadyHandled: true, Message: "exit already processed", Reason: "already_handled"}
	}
	if !t.Status.Allows(action) {
		st := t.Status
		m.mu.Unlock()
		return domain.ConfirmResult{Status: st, Message: fmt.Sprintf("cannot %s from %s", action, st), Reason: "invalid_status"}
	}
	cdKey := tradeID + ":" + string(action)
	if last, ok := m.cooldowns[cdKey]; ok && now.Sub(last) < m.cfg.ActionCooldown {
		st := t.Status
		m.mu.Unlock()
		return domain.ConfirmResult{Status: st, Message: "action cooling down", Reason: "cooldown"}
	}

	evType := domain.TradeConfirmed
	switch action {
	case domain.ActionAdd:
		if size == nil {
			m.mu.Unlock()
			return domain.ConfirmResult{Status: t.Status, Message: domain.ErrMissingSize.Error(), Reason: "missing_size"}
		}
		if *size <= 0 || math.IsNaN(*size) {
			m.mu.Unlock()
			return domain.ConfirmResult{Status: t.Status, Message: domain.ErrInvalidSize.Error(), Reason: "invalid_size"}
		}
		total := t.TotalSize + *size
		t.EntryPrice = (t.TotalSize*t.EntryPrice + *size*t.Leg1Price) / total
		t.TotalSize = total
		t.Status = domain.StatusAdded
	case domain.ActionHedge:
		t.Status = domain.StatusHedged
	case domain.ActionExit:
		t.Status = domain.StatusExited
		t.RealizedPnL = t.UnrealizedPnL
		t.UnrealizedPnL = 0
		t.ExitReason = "confirm_exit"
		exitedAt := now
		t.ExitedAt = &exitedAt
		t.Closing = true
		m.releaseLocked(t)
		evType = domain.TradeExited
	}

	if actionID != "" {
		m.idem[actionID] = now
		t.Processed[actionID] = now
	}
	m.cooldowns[cdKey] = now
	m.saveLocked(false)
	ev := domain.TradeEvent{Type: evType, Action: action, Trade: t.Clone(), At: now}
	m.mu.Unlock()

	if evType == domain.TradeExited {
		m.afterTerminal(ev)
	} else {
		m.emit(ev)
	}
	return domain.ConfirmResult{OK: true, Status: ev.Trade.Status, Message: fmt.Sprintf("action %s processed", action)}
}

// ExitTrade closes a trade at exitPrice. Only the first of concurrent
// callers performs the exit; later ones see already_closing or
// already_exited.
func (m *Manager) ExitTrade(_ context.Context, tradeID string, exitPrice float64, reason, exitRequestID string) domain.ExitResult {
	m.mu.Lock()
	now := m.now()
	t, ok := m.trades[tradeID]
	switch {
	case !ok:
		m.mu.Unlock()
		return domain.ExitResult{Message: "not_found"}
	case t.Status == domain.StatusExited:
		res := domain.ExitResult{OK: true, Status: t.Status, AlreadyHandled: true, Message: "already_exited", RealizedPnL: t.RealizedPnL}
		m.mu.Unlock()
		return res
	case t.Closing:
		st := t.Status
		m.mu.Unlock()
		return domain.ExitResult{OK: true, Status: st, AlreadyHandled: true, Message: "already_closing"}
	case t.Status.IsTerminal():
		st := t.Status
		m.mu.Unlock()
		return domain.ExitResult{Status: st, Message: "not_open"}
	case math.IsNaN(exitPrice) || exitPrice < 0 || exitPrice > 1:
		st := t.Status
		m.mu.Unlock()
		return domain.ExitResult{Status: st, Message: "invalid_price"}
	}

	t.Closing = true
	if exitRequestID != "" {
		m.pruneLocked(now)
		if _, seen := m.exitRequests[exitRequestID]; seen {
			t.Closing = false
			st := t.Status
			m.mu.Unlock()
			return domain.ExitResult{OK: true, Status: st, AlreadyHandled: true, Message: "already_exited"}
		}
		m.exitRequests[exitRequestID] = now
	} else {
		exitRequestID = fmt.Sprintf("exit_%s_%d", tradeID, now.UnixMilli())
	}

	pnl := domain.DirectionalPnL(t.Side, t.EntryPrice, exitPrice, t.TotalSize)
	t.Status = domain.StatusExited
	t.ExitPrice = domain.Float(exitPrice)
	t.ExitReason = reason
	exitedAt := now
	t.ExitedAt = &exitedAt
	t.RealizedPnL = pnl
	t.UnrealizedPnL = 0
	t.Processed[exitRequestID] = now
	m.releaseLocked(t)
	m.saveLocked(false)
	ev := domain.TradeEvent{Type: domain.TradeExited, Action: domain.ActionExit, Trade: t.Clone(), At: now}
	m.mu.Unlock()

	m.logger.Info("trade exited",
		slog.String("trade_id", tradeID),
		slog.Float64("exit_price", exitPrice),
		slog.String("reason", reason),
		slog.Float64("realized_pnl", pnl),
		slog.String("exit_request_id", exitRequestID),
	)
	m.afterTerminal(ev)
	return domain.ExitResult{OK: true, Status: domain.StatusExited, Message: "exited", RealizedPnL: pnl}
}

// MarkFailed moves a PENDING trade to FAILED and releases its market.
func (m *Manager) MarkFailed(tradeID, reason string) bool {
	m.mu.Lock()
	t, ok := m.trades[tradeID]
	if !ok || t.Status != domain.StatusPending {
		m.mu.Unlock()
		return false
	}
	now := m.now()
	t.Status = domain.StatusFailed
	t.ExitReason = reason
	t.ExitedAt = &now
	m.releaseLocked(t)
	m.saveLocked(false)
	ev := domain.TradeEvent{Type: domain.TradeFailed, Trade: t.Clone(), At: now}
	m.mu.Unlock()
	m.afterTerminal(ev)
	return true
}

// CheckTimeout times out tradeID if it is PENDING past its deadline.
func (m *Manager) CheckTimeout(tradeID string, now time.Time) bool {
	m.mu.Lock()
	t, ok := m.trades[tradeID]
	if !ok || !m.checkTimeoutLocked(t, now) {
		m.mu.Unlock()
		return false
	}
	ev := domain.TradeEvent{Type: domain.TradeTimedOut, Trade: t.Clone(), At: now}
	m.saveLocked(false)
	m.mu.Unlock()
	m.afterTerminal(ev)
	return true
}

// Sweep times out every overdue PENDING trade and returns how many.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	var evs []domain.TradeEvent
	for _, t := range m.trades {
		if m.checkTimeoutLocked(t, now) {
			evs = append(evs, domain.TradeEvent{Type: domain.TradeTimedOut, Trade: t.Clone(), At: now})
		}
	}
	if len(evs) > 0 {
		m.saveLocked(false)
	}
	m.mu.Unlock()
	for _, ev := range evs {
		m.afterTerminal(ev)
	}
	return len(evs)
}

// UpdatePnL marks an open trade at price and tracks the excursion extremes.
func (m *Manager) UpdatePnL(tradeID string, mark float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trades[tradeID]; ok {
		markLocked(t, mark)
	}
}

// MarkAll marks every open trade with the price returned by priceOf.
func (m *Manager) MarkAll(priceOf func(tokenID string) (float64, bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.trades {
		if p, ok := priceOf(t.TokenID); ok {
			markLocked(t, p)
		}
	}
}

func markLocked(t *domain.Trade, mark float64) {
	if t.Status.IsTerminal() {
		return
	}
	t.UnrealizedPnL = domain.DirectionalPnL(t.Side, t.EntryPrice, mark, t.TotalSize)
	t.MAE = math.Min(t.MAE, t.UnrealizedPnL)
	t.MFE = math.Max(t.MFE, t.UnrealizedPnL)
}

// Run sweeps timeouts and flushes debounced saves until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()
	flush := time.NewTicker(m.cfg.SaveDebounce)
	defer flush.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Flush()
			return nil
		case now := <-sweep.C:
			if n := m.Sweep(now); n > 0 {
				m.logger.Info("timed out pending trades", slog.Int("count", n))
			}
		case <-flush.C:
			m.mu.Lock()
			if m.dirty {
				m.saveLocked(true)
			}
			m.mu.Unlock()
		}
	}
}

// Flush writes the snapshot if it has unsaved changes and waits for
// in-flight mirror writes.
func (m *Manager) Flush() {
	m.mu.Lock()
	if m.dirty {
		m.saveLocked(true)
	}
	m.mu.Unlock()
	m.mirrors.Wait()
}

// Get returns a copy of the trade.
func (m *Manager) Get(tradeID string) (domain.Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[tradeID]
	if !ok {
		return domain.Trade{}, false
	}
	return t.Clone(), true
}

// List returns every known trade, oldest first.
func (m *Manager) List() []domain.Trade {
	return m.filter(func(*domain.Trade) bool { return true })
}

// ActiveTrades returns the non-terminal trades, oldest first.
func (m *Manager) ActiveTrades() []domain.Trade {
	return m.filter(func(t *domain.Trade) bool { return !t.Status.IsTerminal() })
}

// ActiveTokens lists tokens of non-terminal trades.
func (m *Manager) ActiveTokens() []string {
	return tokensOf(m.ActiveTrades())
}

// PendingTokens lists tokens of trades awaiting confirmation.
func (m *Manager) PendingTokens() []string {
	return tokensOf(m.filter(func(t *domain.Trade) bool { return t.Status == domain.StatusPending }))
}

// Stats summarizes the book of trades.
func (m *Manager) Stats() domain.TradeStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s domain.TradeStats
	s.Total = len(m.trades)
	s.LockedMarkets = len(m.locks)
	for _, t := range m.trades {
		switch t.Status {
		case domain.StatusPending:
			s.Pending++
		case domain.StatusAdded, domain.StatusHedged:
			s.Confirmed++
		case domain.StatusExited:
			s.Exited++
			s.RealizedPnL += t.RealizedPnL
		case domain.StatusTimeout:
			s.TimedOut++
		case domain.StatusFailed:
			s.Failed++
		}
		if !t.Status.IsTerminal() {
			s.UnrealizedPnL += t.UnrealizedPnL
		}
	}
	return s
}

func (m *Manager) filter(keep func(*domain.Trade) bool) []domain.Trade {
	m.mu.Lock()
	out := make([]domain.Trade, 0, len(m.trades))
	for _, t := range m.trades {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func tokensOf(trades []domain.Trade) []string {
	seen := make(map[string]struct{}, len(trades))
	out := make([]string, 0, len(trades))
	for _, t := range trades {
		if _, dup := seen[t.TokenID]; dup || t.TokenID == "" {
			continue
		}
		seen[t.TokenID] = struct{}{}
		out = append(out, t.TokenID)
	}
	sort.Strings(out)
	return out
}

// checkTimeoutLocked moves an overdue PENDING trade to TIMEOUT. A zero
// timeout never expires.
func (m *Manager) checkTimeoutLocked(t *domain.Trade, now time.Time) bool {
	if t.Status != domain.StatusPending || t.Timeout <= 0 {
		return false
	}
	if now.Sub(t.CreatedAt) <= t.Timeout {
		return false
	}
	t.Status = domain.StatusTimeout
	exitedAt := now
	t.ExitedAt = &exitedAt
	t.ExitReason = "confirmation_timeout"
	m.releaseLocked(t)
	m.logger.Warn("trade timed out",
		slog.String("trade_id", t.ID),
		slog.Duration("timeout", t.Timeout),
	)
	return true
}

func (m *Manager) releaseLocked(t *domain.Trade) {
	if m.locks[t.MarketID] == t.ID {
		delete(m.locks, t.MarketID)
	}
}

func (m *Manager) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.IdempotencyTTL)
	for k, ts := range m.idem {
		if ts.Before(cutoff) {
			delete(m.idem, k)
		}
	}
	for k, ts := range m.exitRequests {
		if ts.Before(cutoff) {
			delete(m.exitRequests, k)
		}
	}
	for k, ts := range m.cooldowns {
		if ts.Before(cutoff) {
			delete(m.cooldowns, k)
		}
	}
}

// saveLocked writes the snapshot now when forced or when the debounce
// window has passed; otherwise it leaves the state dirty for the next tick.
// A failed write keeps the state dirty.
func (m *Manager) saveLocked(force bool) {
	m.dirty = true
	if m.deps.State == nil {
		m.dirty = false
		return
	}
	now := m.now()
	if !force && now.Sub(m.lastSave) < m.cfg.SaveDebounce {
		return
	}
	m.pruneLocked(now)
	locks := make(map[string]string, len(m.locks))
	for k, v := range m.locks {
		locks[k] = v
	}
	snap := snapshot{
		MarketLocks:       locks,
		ActionIdempotency: toUnix(m.idem),
		ExitRequests:      toUnix(m.exitRequests),
		ActionCooldowns:   toUnix(m.cooldowns),
		Timestamp:         now.UTC().Format(time.RFC3339Nano),
	}
	if err := m.deps.State.save(snap); err != nil {
		m.logger.Error("state save failed", slog.String("error", err.Error()))
		return
	}
	m.lastSave = now
	m.dirty = false
}

// afterTerminal writes the close record for trades that left the book and
// then fans the event out.
func (m *Manager) afterTerminal(ev domain.TradeEvent) {
	if m.deps.Ledger != nil && ev.Trade.Status.IsTerminal() {
		if err := m.deps.Ledger.append(closeRecord(ev.Trade)); err != nil {
			m.logger.Error("ledger close failed", slog.String("trade_id", ev.Trade.ID), slog.String("error", err.Error()))
		}
	}
	m.emit(ev)
}

func (m *Manager) emit(ev domain.TradeEvent) {
	m.mu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}

	if m.deps.Store == nil && m.deps.Publisher == nil {
		return
	}
	m.mirrors.Add(1)
	go func() {
		defer m.mirrors.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// RecordEvent also refreshes the trade row.
		if s := m.deps.Store; s != nil {
			if err := s.RecordEvent(ctx, ev); err != nil {
				m.logger.Warn("trade store event failed", slog.String("trade_id", ev.Trade.ID), slog.String("error", err.Error()))
			}
		}
		if p := m.deps.Publisher; p != nil {
			if err := p.PublishTradeEvent(ctx, ev); err != nil {
				m.logger.Warn("trade event publish failed", slog.String("trade_id", ev.Trade.ID), slog.String("error", err.Error()))
			}
		}
	}()
}
