package polymarket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseMarketFrameBook(t *testing.T) {
	raw := `{"event_type":"book","asset_id":"tok1","timestamp":"1700000000000",
		"bids":[{"price":"0.40","size":"10"},{"price":"0.45","size":"5"}],
		"asks":[{"price":"0.55","size":"7"},{"price":"0.50","size":"3"}]}`
	events, unknown, err := ParseMarketFrame([]byte(raw), time.Now())
	require.NoError(t, err)
	assert.False(t, unknown)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, domain.EventBook, ev.Kind)
	assert.Equal(t, "tok1", ev.TokenID)
	require.NotNil(t, ev.BestBid)
	require.NotNil(t, ev.BestAsk)
	assert.InDelta(t, 0.45, *ev.BestBid, 1e-9)
	assert.InDelta(t, 0.50, *ev.BestAsk, 1e-9)
	assert.Equal(t, time.UnixMilli(1700000000000), ev.Timestamp)
}

func TestParseMarketFrameBatchAndAlternateKeys(t *testing.T) {
	raw := `[
		{"type":"book","assetId":"tok2","buys":[{"price":0.3,"size":1}],"sells":[{"price":0.4,"size":2}],"best_bid":"0.31"},
		{"event_type":"price_change","market":"m","price_changes":[
			{"asset_id":"tok3","best_bid":"0.2","best_ask":"0.25"},
			{"asset_id":"tok4"}
		]},
		{"event_type":"last_trade_price","asset_id":"tok3","price":"0.22"},
		{"event_type":"tick_size_change","asset_id":"tok3"}
	]`
	events, unknown, err := ParseMarketFrame([]byte(raw), time.Now())
	require.NoError(t, err)
	assert.True(t, unknown)
	require.Len(t, events, 3)

	assert.Equal(t, "tok2", events[0].TokenID)
	assert.InDelta(t, 0.31, *events[0].BestBid, 1e-9, "explicit best_bid wins over levels")

	assert.Equal(t, domain.EventQuote, events[1].Kind)
	assert.Equal(t, "tok3", events[1].TokenID)
	assert.InDelta(t, 0.25, *events[1].BestAsk, 1e-9)

	assert.Equal(t, domain.EventTrade, events[2].Kind)
	assert.InDelta(t, 0.22, *events[2].Price, 1e-9)
}

func TestParseMarketFrameGarbage(t *testing.T) {
	_, _, err := ParseMarketFrame([]byte(`{not json`), time.Now())
	assert.Error(t, err)
}

func TestParseTopicFrame(t *testing.T) {
	now := time.Now()
	ev, unknown, err := ParseTopicFrame([]byte(`{"topic":"prices","payload":{"symbol":"tok9","value":"0.61"}}`), now)
	require.NoError(t, err)
	assert.False(t, unknown)
	require.NotNil(t, ev)
	assert.Equal(t, "tok9", ev.TokenID)
	assert.InDelta(t, 0.61, *ev.BestBid, 1e-9)
	assert.InDelta(t, 0.61, *ev.BestAsk, 1e-9)
	assert.Equal(t, "rtds", ev.Source)

	ev, unknown, err = ParseTopicFrame([]byte(`{"token":"tok1","best_bid":0.1,"best_ask":0.2}`), now)
	require.NoError(t, err)
	assert.False(t, unknown)
	assert.Equal(t, "tok1", ev.TokenID)

	ev, unknown, err = ParseTopicFrame([]byte(`{"topic":"prices","payload":{"symbol":"x"}}`), now)
	require.NoError(t, err)
	assert.True(t, unknown)
	assert.Nil(t, ev)
}

func TestBookPollerRefreshEmitsOneBookEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/book", r.URL.Path)
		assert.Equal(t, "tokA", r.URL.Query().Get("token_id"))
		_, _ = io.WriteString(w, `{"asset_id":"tokA","bids":[{"price":"0.48","size":"20"}],"asks":[{"price":"0.52","size":"30"}]}`)
	}))
	defer srv.Close()

	p := NewBookPoller(NewClobClient(srv.URL, nil), 100, 1, discardLogger())
	var got []domain.MarketEvent
	require.NoError(t, p.Start(context.Background(), func(ev domain.MarketEvent) { got = append(got, ev) }))

	snap, err := p.Refresh(context.Background(), "tokA")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "rest", got[0].Source)
	assert.Equal(t, domain.EventBook, got[0].Kind)
	assert.InDelta(t, 0.52, *snap.BestAsk, 1e-9)
	assert.Equal(t, uint64(1), p.Diagnostics().RawMessages)
}

func TestBookPollerMapsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no book", http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewBookPoller(NewClobClient(srv.URL, nil), 100, 1, discardLogger())
	_, err := p.Refresh(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, uint64(1), p.Diagnostics().ParseErrors)
}

func TestMarketStreamHandshakeAndEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	handshake := make(chan marketCommand, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd marketCommand
		_ = json.Unmarshal(msg, &cmd)
		handshake <- cmd
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"event_type":"book","asset_id":"tok1","bids":[{"price":"0.4","size":"1"}],"asks":[{"price":"0.6","size":"1"}]}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event_type":"mystery"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	m := NewMarketStream(StreamConfig{URL: wsURL}, discardLogger())
	require.NoError(t, m.Subscribe(context.Background(), "tok1", "tok2", "tok1"))

	var (
		mu  sync.Mutex
		got []domain.MarketEvent
	)
	require.NoError(t, m.Start(context.Background(), func(ev domain.MarketEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}))
	defer m.Stop()

	select {
	case cmd := <-handshake:
		assert.Equal(t, "market", cmd.Type)
		assert.Equal(t, []string{"tok1", "tok2"}, cmd.AssetIDs)
	case <-time.After(5 * time.Second):
		t.Fatal("no handshake received")
	}

	require.Eventually(t, func() bool {
		return m.Diagnostics().FirstUnknownFrame != ""
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, "tok1", got[0].TokenID)
	mu.Unlock()

	d := m.Diagnostics()
	assert.True(t, d.Connected)
	assert.Equal(t, 2, d.Subscribed)
	assert.Equal(t, uint64(2), d.RawMessages)
	assert.Contains(t, d.FirstUnknownFrame, "mystery")

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
	assert.False(t, m.Diagnostics().Connected)
}
