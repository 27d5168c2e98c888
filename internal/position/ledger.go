package position

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/alanyoungcy/probebot/internal/store/filestore"
)

// Ledger is the append-only trade record: one open line per trade and at
// most one matching close line.
type Ledger struct {
	log *filestore.Log
}

func NewLedger(path string) *Ledger {
	return &Ledger{log: filestore.NewLog(path)}
}

// Path is the ledger file location.
func (l *Ledger) Path() string { return l.log.Path() }

func (l *Ledger) append(rec domain.LedgerRecord) error {
	if err := l.log.Append(rec); err != nil {
		return fmt.Errorf("position: ledger append %s %s: %w", rec.Event, rec.TradeID, err)
	}
	return nil
}

// Records reads the whole ledger in file order, skipping unreadable lines.
func (l *Ledger) Records() ([]domain.LedgerRecord, int, error) {
	var out []domain.LedgerRecord
	skipped, err := l.log.Each(func(line []byte) error {
		var rec domain.LedgerRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		if rec.TradeID == "" {
			return fmt.Errorf("missing trade_id")
		}
		out = append(out, rec)
		return nil
	})
	return out, skipped, err
}

// OpenRecords returns open records that have no close record.
func (l *Ledger) OpenRecords() ([]domain.LedgerRecord, error) {
	recs, _, err := l.Records()
	if err != nil {
		return nil, err
	}
	closed := make(map[string]bool)
	for _, r := range recs {
		if r.Event == domain.LedgerClose {
			closed[r.TradeID] = true
		}
	}
	var open []domain.LedgerRecord
	seen := make(map[string]bool)
	for _, r := range recs {
		if r.Event != domain.LedgerOpen || closed[r.TradeID] || seen[r.TradeID] {
			continue
		}
		seen[r.TradeID] = true
		open = append(open, r)
	}
	return open, nil
}

// ClosedTrades returns up to n of the most recent exits that realized PnL,
// oldest first. Timeouts and failures are not performance samples.
func (l *Ledger) ClosedTrades(n int) ([]domain.ClosedTrade, error) {
	recs, _, err := l.Records()
	if err != nil {
		return nil, err
	}
	var out []domain.ClosedTrade
	for _, r := range recs {
		if r.Event != domain.LedgerClose || r.Status != domain.StatusExited || r.RealizedPnL == nil {
			continue
		}
		ct := domain.ClosedTrade{TradeID: r.TradeID, RealizedPnL: *r.RealizedPnL}
		if ts, err := time.Parse(time.RFC3339Nano, r.ExitTimeUTC); err == nil {
			ct.ExitTime = ts
		}
		out = append(out, ct)
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func openRecord(t domain.Trade) domain.LedgerRecord {
	return domain.LedgerRecord{
		Event:        domain.LedgerOpen,
		TradeID:      t.ID,
		MarketID:     t.MarketID,
		TokenID:      t.TokenID,
		Side:         t.Side,
		Size:         t.TotalSize,
		EntryPrice:   t.EntryPrice,
		Status:       t.Status,
		EntryTimeUTC: t.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func closeRecord(t domain.Trade) domain.LedgerRecord {
	rec := openRecord(t)
	rec.Event = domain.LedgerClose
	rec.ExitReason = t.ExitReason
	if t.ExitPrice != nil {
		rec.ExitPrice = domain.Float(*t.ExitPrice)
	}
	if t.Status == domain.StatusExited {
		rec.RealizedPnL = domain.Float(t.RealizedPnL)
	}
	if t.ExitedAt != nil {
		rec.ExitTimeUTC = t.ExitedAt.UTC().Format(time.RFC3339Nano)
	}
	return rec
}
