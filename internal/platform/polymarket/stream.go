package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// initialBackoff is the first delay before reconnecting.
	initialBackoff = time.Second

	// maxSampleBytes bounds the diagnostic copy of an unknown frame.
	maxSampleBytes = 512
)

// StreamConfig tunes a websocket session.
type StreamConfig struct {
	URL          string
	PingInterval time.Duration
	PongTimeout  time.Duration
	MaxBackoff   time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// session owns one reconnecting websocket connection. Providers plug in the
// handshake, the frame handler and the keepalive write.
type session struct {
	name   string
	cfg    StreamConfig
	logger *slog.Logger

	onConnect func() error
	onFrame   func(raw []byte)
	keepalive func() error

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	connected   atomic.Bool
	lastMsg     atomic.Int64
	raw         atomic.Uint64
	messages    atomic.Uint64
	parseErrs   atomic.Uint64
	reconnects  atomic.Uint64
	subSent     atomic.Uint64
	unsubSent   atomic.Uint64
	sampleMu    sync.Mutex
	sampled     bool
	firstSample string
}

func (s *session) start(parent context.Context) bool {
	if !s.started.CompareAndSwap(false, true) {
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return true
}

func (s *session) stop() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.connMu.Lock()
	if s.conn != nil {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
}

// run dials, serves and redials with exponential backoff until ctx ends.
// A connection that got past the handshake resets the backoff.
func (s *session) run(ctx context.Context) {
	delay := initialBackoff
	for {
		established, err := s.serve(ctx)
		if ctx.Err() != nil {
			return
		}
		if established {
			delay = initialBackoff
		}
		s.reconnects.Add(1)
		s.logger.Warn("stream disconnected",
			slog.String("provider", s.name),
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.cfg.MaxBackoff {
			delay = s.cfg.MaxBackoff
		}
	}
}

// serve handles a single connection from dial to read failure. It always
// returns a non-nil error; established reports whether the handshake
// completed.
func (s *session) serve(ctx context.Context) (established bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("polymarket/%s: dial: %w", s.name, err)
	}

	s.connMu.Lock()
	if ctx.Err() != nil {
		s.connMu.Unlock()
		_ = conn.Close()
		return false, ctx.Err()
	}
	s.conn = conn
	s.connMu.Unlock()

	s.sampleMu.Lock()
	s.sampled = false
	s.sampleMu.Unlock()

	defer func() {
		s.connected.Store(false)
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	if err := s.onConnect(); err != nil {
		return false, fmt.Errorf("polymarket/%s: handshake: %w", s.name, err)
	}
	s.connected.Store(true)
	s.logger.Info("stream connected", slog.String("provider", s.name), slog.String("url", s.cfg.URL))

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go s.pingLoop(pingCtx)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("polymarket/%s: read: %w: %v", s.name, domain.ErrWSDisconnect, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		s.raw.Add(1)
		s.lastMsg.Store(time.Now().UnixNano())
		s.onFrame(msg)
	}
}

func (s *session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.keepalive(); err != nil {
				return
			}
		}
	}
}

// writeJSON sends v on the live connection. It fails with ErrWSDisconnect
// when no connection is up; callers rely on the handshake to replay state.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("polymarket/%s: marshal: %w", s.name, err)
	}
	return s.write(websocket.TextMessage, data)
}

func (s *session) write(messageType int, data []byte) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("polymarket/%s: %w", s.name, domain.ErrWSDisconnect)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, data)
}

func (s *session) pingControl() error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return domain.ErrWSDisconnect
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// pingText sends the text keepalive some channels expect instead of a
// control frame.
func (s *session) pingText(payload string) func() error {
	return func() error {
		return s.write(websocket.TextMessage, []byte(payload))
	}
}

// sampleUnknown keeps the first unknown or unparseable frame of the current
// connection and logs it once.
func (s *session) sampleUnknown(raw []byte, cause string) {
	s.sampleMu.Lock()
	defer s.sampleMu.Unlock()
	if s.sampled {
		return
	}
	s.sampled = true
	sample := raw
	if len(sample) > maxSampleBytes {
		sample = sample[:maxSampleBytes]
	}
	s.firstSample = string(sample)
	s.logger.Warn("unrecognized stream frame",
		slog.String("provider", s.name),
		slog.String("cause", cause),
		slog.String("sample", s.firstSample),
	)
}

func (s *session) diagnostics(subscribed int) domain.ProviderDiagnostics {
	d := domain.ProviderDiagnostics{
		Name:            s.name,
		Connected:       s.connected.Load(),
		RawMessages:     s.raw.Load(),
		Messages:        s.messages.Load(),
		ParseErrors:     s.parseErrs.Load(),
		Reconnects:      s.reconnects.Load(),
		SubscribeSent:   s.subSent.Load(),
		UnsubscribeSent: s.unsubSent.Load(),
		Subscribed:      subscribed,
	}
	if ns := s.lastMsg.Load(); ns > 0 {
		d.LastMessageAt = time.Unix(0, ns)
	}
	s.sampleMu.Lock()
	d.FirstUnknownFrame = s.firstSample
	s.sampleMu.Unlock()
	return d
}
