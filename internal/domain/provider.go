package domain

import (
	"context"
	"time"
)

// EventHandler receives every normalized event a provider produces.
type EventHandler func(MarketEvent)

// MarketDataProvider is the capability every transport implements. Start and
// Stop are idempotent; Subscribe and Unsubscribe take instrument ids.
type MarketDataProvider interface {
	Name() string
	Start(ctx context.Context, emit EventHandler) error
	Stop() error
	Subscribe(ctx context.Context, tokenIDs ...string) error
	Unsubscribe(ctx context.Context, tokenIDs ...string) error
	Diagnostics() ProviderDiagnostics
}

// ProviderDiagnostics is a point-in-time view of a provider. Providers that
// track nothing return the zero value.
type ProviderDiagnostics struct {
	Name              string    `json:"name"`
	Connected         bool      `json:"connected"`
	LastMessageAt     time.Time `json:"last_message_at"`
	RawMessages       uint64    `json:"raw_messages"`
	Messages          uint64    `json:"messages"`
	ParseErrors       uint64    `json:"parse_errors"`
	Reconnects        uint64    `json:"reconnects"`
	SubscribeSent     uint64    `json:"subscribe_sent"`
	UnsubscribeSent   uint64    `json:"unsubscribe_sent"`
	Subscribed        int       `json:"subscribed"`
	FirstUnknownFrame string    `json:"first_unknown_frame,omitempty"`
}
