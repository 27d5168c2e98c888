package strategy

import (
	"math"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
)

const minExpectedMovePct = 0.01

// DetectorConfig tunes dislocation detection.
type DetectorConfig struct {
	Window           time.Duration
	DropThresholdPct float64
	SpeedThreshold   float64
	// ExpectedMoveRate is the percent move per second considered normal.
	ExpectedMoveRate float64
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.Window <= 0 {
		c.Window = 2 * time.Second
	}
	if c.DropThresholdPct <= 0 {
		c.DropThresholdPct = 2.0
	}
	if c.SpeedThreshold <= 0 {
		c.SpeedThreshold = 1.5
	}
	if c.ExpectedMoveRate <= 0 {
		c.ExpectedMoveRate = 0.1
	}
	return c
}

// Detector flags moves that are both large and fast relative to the oldest
// point in each token's window.
type Detector struct {
	cfg DetectorConfig
	ws  windows
}

func NewDetector(cfg DetectorConfig) *Detector {
	cfg = cfg.withDefaults()
	return &Detector{
		cfg: cfg,
		ws:  windows{span: cfg.Window, m: make(map[string]*Window)},
	}
}

// Observe adds p to the token's window and returns a signal when the drop
// from the window baseline clears both thresholds.
func (d *Detector) Observe(tokenID string, p PricePoint) (*domain.DislocationSignal, bool) {
	base, cur, n := d.ws.add(tokenID, p)
	if n < 2 || base.Mid <= 0 {
		return nil, false
	}
	elapsed := cur.TS.Sub(base.TS)
	if elapsed <= 0 {
		return nil, false
	}

	drop := (base.Mid - cur.Mid) / base.Mid * 100
	if drop < d.cfg.DropThresholdPct {
		return nil, false
	}
	expected := math.Max(elapsed.Seconds()*d.cfg.ExpectedMoveRate, minExpectedMovePct)
	speed := math.Abs(drop) / expected
	if speed < d.cfg.SpeedThreshold {
		return nil, false
	}

	side := domain.SideDown
	if cur.Mid < base.Mid {
		side = domain.SideUp
	}
	return &domain.DislocationSignal{
		TokenID:     tokenID,
		Side:        side,
		DropPct:     drop,
		SpeedRatio:  speed,
		Elapsed:     elapsed,
		BaselineMid: base.Mid,
		CurrentMid:  cur.Mid,
		Price:       cur.Price,
		DetectedAt:  time.Now(),
	}, true
}
