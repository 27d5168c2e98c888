package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/probebot/internal/domain"
)

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return "recording" }

func (r *recordingSender) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

func TestNotifierFiltersAndDelivers(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, []string{EventTradeExited, " kill_switch "}, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = n.Run(ctx)
		close(done)
	}()

	exit := 0.55
	n.OnTradeEvent(domain.TradeEvent{Type: domain.TradeOpened, Trade: domain.Trade{ID: "a", Side: domain.SideUp}})
	n.OnTradeEvent(domain.TradeEvent{Type: domain.TradeExited, Trade: domain.Trade{ID: "a", Side: domain.SideUp, ExitPrice: &exit}})
	n.OnKillSwitch("winrate", time.Now())

	require.Eventually(t, func() bool { return len(rec.got()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, []string{"Probe exited UP", "Kill switch tripped"}, rec.got())
}

func TestDispatchContinuesPastFailure(t *testing.T) {
	bad := &recordingSender{err: errors.New("down")}
	good := &recordingSender{}
	n := NewNotifier([]Sender{bad, good}, nil, slog.New(slog.DiscardHandler))

	err := n.dispatch(context.Background(), message{title: "t", body: "b"})
	require.Error(t, err)
	assert.Equal(t, []string{"t"}, good.got())
}

func TestNotifyWithoutSendersIsNoop(t *testing.T) {
	n := NewNotifier(nil, nil, slog.New(slog.DiscardHandler))
	assert.False(t, n.Enabled())
	n.Notify(EventTradeOpened, "t", "b")
	assert.Empty(t, n.queue)
}

func TestTelegramSender(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), "Title", "msg"))
	assert.Equal(t, "42", body["chat_id"])
	assert.Equal(t, "*Title*\nmsg", body["text"])
}

func TestDiscordSenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
