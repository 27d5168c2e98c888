package strategy

import (
	"sort"
	"sync"
	"time"
)

// Percentiles summarizes one latency series in milliseconds.
type Percentiles struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean_ms"`
	P50   float64 `json:"p50_ms"`
	P90   float64 `json:"p90_ms"`
	P99   float64 `json:"p99_ms"`
}

// LatencySnapshot is a point-in-time view of the entry path latencies.
type LatencySnapshot struct {
	DetectToSend Percentiles `json:"detect_to_send"`
	SendToAck    Percentiles `json:"send_to_ack"`
	DetectToAck  Percentiles `json:"detect_to_ack"`
}

type series struct {
	buf  []float64
	next int
	full bool
}

func (s *series) add(v float64) {
	s.buf[s.next] = v
	s.next++
	if s.next == len(s.buf) {
		s.next = 0
		s.full = true
	}
}

func (s *series) values() []float64 {
	if s.full {
		return append([]float64(nil), s.buf...)
	}
	return append([]float64(nil), s.buf[:s.next]...)
}

func summarize(vals []float64) Percentiles {
	if len(vals) == 0 {
		return Percentiles{}
	}
	sort.Float64s(vals)
	var sum float64
	for _, v := range vals {
		sum += v
	}
	at := func(p float64) float64 { return vals[int(p*float64(len(vals)-1))] }
	return Percentiles{
		Count: len(vals),
		Mean:  sum / float64(len(vals)),
		P50:   at(0.50),
		P90:   at(0.90),
		P99:   at(0.99),
	}
}

// LatencyStats keeps the most recent samples of each entry latency.
type LatencyStats struct {
	mu           sync.Mutex
	detectToSend series
	sendToAck    series
	detectToAck  series
}

// NewLatencyStats keeps up to n samples per series, at least 10.
func NewLatencyStats(n int) *LatencyStats {
	n = max(n, 10)
	return &LatencyStats{
		detectToSend: series{buf: make([]float64, n)},
		sendToAck:    series{buf: make([]float64, n)},
		detectToAck:  series{buf: make([]float64, n)},
	}
}

// Record adds one entry attempt from its three timestamps.
func (l *LatencyStats) Record(detected, sent, acked time.Time) {
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	l.mu.Lock()
	l.detectToSend.add(ms(sent.Sub(detected)))
	l.sendToAck.add(ms(acked.Sub(sent)))
	l.detectToAck.add(ms(acked.Sub(detected)))
	l.mu.Unlock()
}

func (l *LatencyStats) Snapshot() LatencySnapshot {
	l.mu.Lock()
	a, b, c := l.detectToSend.values(), l.sendToAck.values(), l.detectToAck.values()
	l.mu.Unlock()
	return LatencySnapshot{
		DetectToSend: summarize(a),
		SendToAck:    summarize(b),
		DetectToAck:  summarize(c),
	}
}
