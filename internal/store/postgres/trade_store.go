package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/probebot/internal/domain"
)

// TradeStore implements domain.TradeStore. Rows in probe_trades hold the
// latest state of each trade; probe_trade_events is append-only.
type TradeStore struct {
	pool *pgxpool.Pool
}

var _ domain.TradeStore = (*TradeStore)(nil)

func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const upsertTradeSQL = `
	INSERT INTO probe_trades (
		id, market_id, token_id, side, status,
		leg1_size, leg1_price, total_size, entry_price,
		unrealized_pnl, realized_pnl, mae, mfe,
		exit_price, exit_reason, source, created_at, exited_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,NOW())
	ON CONFLICT (id) DO UPDATE SET
		status         = EXCLUDED.status,
		total_size     = EXCLUDED.total_size,
		entry_price    = EXCLUDED.entry_price,
		unrealized_pnl = EXCLUDED.unrealized_pnl,
		realized_pnl   = EXCLUDED.realized_pnl,
		mae            = EXCLUDED.mae,
		mfe            = EXCLUDED.mfe,
		exit_price     = EXCLUDED.exit_price,
		exit_reason    = EXCLUDED.exit_reason,
		exited_at      = EXCLUDED.exited_at,
		updated_at     = NOW()`

func upsertArgs(t domain.Trade) []any {
	return []any{
		t.ID, t.MarketID, t.TokenID, string(t.Side), string(t.Status),
		t.Leg1Size, t.Leg1Price, t.TotalSize, t.EntryPrice,
		t.UnrealizedPnL, t.RealizedPnL, t.MAE, t.MFE,
		t.ExitPrice, t.ExitReason, t.Source, t.CreatedAt, t.ExitedAt,
	}
}

// Upsert writes the current state of t.
func (s *TradeStore) Upsert(ctx context.Context, t domain.Trade) error {
	if _, err := s.pool.Exec(ctx, upsertTradeSQL, upsertArgs(t)...); err != nil {
		return fmt.Errorf("postgres: upsert trade %s: %w", t.ID, err)
	}
	return nil
}

// RecordEvent appends ev and refreshes the trade row in a single batch so the
// two tables never disagree about the latest status.
func (s *TradeStore) RecordEvent(ctx context.Context, ev domain.TradeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("postgres: marshal trade event: %w", err)
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	batch := &pgx.Batch{}
	batch.Queue(upsertTradeSQL, upsertArgs(ev.Trade)...)
	batch.Queue(`
		INSERT INTO probe_trade_events (trade_id, event_type, action, status, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.Trade.ID, string(ev.Type), string(ev.Action), string(ev.Trade.Status), payload, at,
	)
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: record event %s for %s: %w", ev.Type, ev.Trade.ID, err)
	}
	return nil
}

// ListClosed returns the newest exited trades first.
func (s *TradeStore) ListClosed(ctx context.Context, limit int) ([]domain.ClosedTrade, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, realized_pnl, exited_at
		FROM probe_trades
		WHERE status = 'EXITED' AND exited_at IS NOT NULL
		ORDER BY exited_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed trades: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ClosedTrade, error) {
		var ct domain.ClosedTrade
		err := row.Scan(&ct.TradeID, &ct.RealizedPnL, &ct.ExitTime)
		return ct, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed trades: %w", err)
	}
	return out, nil
}

// Events returns the lifecycle events recorded for a trade, oldest first.
func (s *TradeStore) Events(ctx context.Context, tradeID string) ([]domain.TradeEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM probe_trade_events
		WHERE trade_id = $1
		ORDER BY occurred_at, id`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events for %s: %w", tradeID, err)
	}
	defer rows.Close()

	var out []domain.TradeEvent
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		var ev domain.TradeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("postgres: decode event for %s: %w", tradeID, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list events rows: %w", err)
	}
	return out, nil
}
