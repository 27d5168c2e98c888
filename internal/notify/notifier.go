// Package notify fans trade lifecycle and kill-switch alerts out to chat
// channels. Delivery is asynchronous and never blocks the trading path.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/probebot/internal/domain"
)

// Event names usable in the notify.events filter.
const (
	EventTradeOpened = string(domain.TradeOpened)
	EventTradeExited = string(domain.TradeExited)
	EventTradeFailed = string(domain.TradeFailed)
	EventTimeout     = string(domain.TradeTimedOut)
	EventConfirmed   = string(domain.TradeConfirmed)
	EventKillSwitch  = "kill_switch"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

type message struct {
	title, body string
}

// Notifier filters events and delivers them to every sender from a single
// background worker. Sends are throttled to stay under chat API limits and
// messages beyond the queue capacity are dropped.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
	limiter *rate.Limiter
	queue   chan message
}

// NewNotifier allows only the named events; an empty list allows all.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		queue:   make(chan message, 64),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

func (n *Notifier) allowed(event string) bool {
	return len(n.events) == 0 || n.events[event]
}

// Notify enqueues a message for event if it passes the filter.
func (n *Notifier) Notify(event, title, body string) {
	if !n.Enabled() || !n.allowed(event) {
		return
	}
	select {
	case n.queue <- message{title: title, body: body}:
	default:
		n.logger.Warn("notification dropped", slog.String("event", event))
	}
}

// OnTradeEvent formats a lifecycle transition. It matches position.Listener.
func (n *Notifier) OnTradeEvent(ev domain.TradeEvent) {
	t := ev.Trade
	var title, body string
	switch ev.Type {
	case domain.TradeOpened:
		title = fmt.Sprintf("Probe opened %s", t.Side)
		body = fmt.Sprintf("%s size %.2f @ %.4f\ntrade %s", t.MarketID, t.TotalSize, t.EntryPrice, t.ID)
	case domain.TradeExited:
		title = fmt.Sprintf("Probe exited %s", t.Side)
		exit := 0.0
		if t.ExitPrice != nil {
			exit = *t.ExitPrice
		}
		body = fmt.Sprintf("%s %.4f -> %.4f pnl %+.4f (%s)\ntrade %s",
			t.MarketID, t.EntryPrice, exit, t.RealizedPnL, t.ExitReason, t.ID)
	case domain.TradeTimedOut:
		title = "Probe timed out"
		body = fmt.Sprintf("%s no confirmation\ntrade %s", t.MarketID, t.ID)
	case domain.TradeFailed:
		title = "Probe failed"
		body = fmt.Sprintf("%s %s\ntrade %s", t.MarketID, t.ExitReason, t.ID)
	case domain.TradeConfirmed:
		title = fmt.Sprintf("Probe %s", ev.Action)
		body = fmt.Sprintf("%s size %.2f avg %.4f status %s", t.MarketID, t.TotalSize, t.EntryPrice, t.Status)
	default:
		return
	}
	n.Notify(string(ev.Type), title, body)
}

// OnKillSwitch reports a kill-switch trip.
func (n *Notifier) OnKillSwitch(reason string, until time.Time) {
	n.Notify(EventKillSwitch, "Kill switch tripped",
		fmt.Sprintf("reason %s\nentries paused until %s", reason, until.UTC().Format(time.RFC3339)))
}

// Run delivers queued messages until ctx ends, then drains what is left
// with a short deadline.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case m := <-n.queue:
					_ = n.dispatch(drainCtx, m)
				default:
					return nil
				}
			}
		case m := <-n.queue:
			if err := n.limiter.Wait(ctx); err != nil {
				continue
			}
			_ = n.dispatch(ctx, m)
		}
	}
}

// dispatch sends m to every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, m message) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, m.title, m.body); err != nil {
			n.logger.Error("sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		n.logger.Debug("notification sent", slog.String("sender", s.Name()), slog.String("title", m.title))
	}
	return errors.Join(errs...)
}
