package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/probebot/internal/domain"
)

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func TestHubStreamsTradeAndBookEvents(t *testing.T) {
	hub := NewHub("paper", slog.New(slog.DiscardHandler))
	events := make(chan domain.MarketEvent, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx, events) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readEnvelope(t, conn)
	assert.Equal(t, "hello", hello.Type)
	assert.Equal(t, 1, hub.Clients())

	hub.OnTradeEvent(domain.TradeEvent{Type: domain.TradeOpened, Trade: domain.Trade{ID: "trade_1"}, At: time.Now()})
	env := readEnvelope(t, conn)
	assert.Equal(t, "trade_opened", env.Type)
	assert.Equal(t, ChannelTrades, env.Channel)

	events <- domain.MarketEvent{Kind: domain.EventBook, TokenID: "tok", Timestamp: time.Now(), Source: "ws"}
	env = readEnvelope(t, conn)
	assert.Equal(t, "book", env.Type)
	assert.Equal(t, "book:tok", env.Channel)
}

func TestClientSubscriptions(t *testing.T) {
	c := &client{subs: map[string]bool{"book:*": true}}
	assert.True(t, c.subscribed("book:abc"))
	assert.False(t, c.subscribed(ChannelTrades))

	c.apply(subscribeMsg{Action: "subscribe", Channels: []string{ChannelTrades}})
	c.apply(subscribeMsg{Action: "unsubscribe", Channels: []string{"book:*"}})
	assert.True(t, c.subscribed(ChannelTrades))
	assert.False(t, c.subscribed("book:abc"))
}
