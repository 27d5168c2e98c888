package marketdata

import (
	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the market-data slice of the metrics surface. Provider counters
// are owned by the providers and read at scrape time; the adapter only
// increments what it observes itself. A nil *Metrics is valid and inert.
type Metrics struct {
	events       *prometheus.CounterVec
	unsubErrors  prometheus.Counter
	subErrors    prometheus.Counter
	mirrorErrors prometheus.Counter
}

// NewMetrics registers the market-data metrics on reg. The adapter and bus
// are read lazily on every scrape.
func NewMetrics(reg prometheus.Registerer, a *Adapter, bus *Bus) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "probebot_md_events_total",
			Help: "Normalized market events by kind",
		}, []string{"kind"}),
		unsubErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "probebot_md_unsubscribe_errors_total",
			Help: "Provider unsubscribe calls that failed",
		}),
		subErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "probebot_md_subscribe_errors_total",
			Help: "Provider subscribe calls that failed",
		}),
		mirrorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "probebot_md_mirror_errors_total",
			Help: "Book snapshots that could not be mirrored",
		}),
	}
	reg.MustRegister(m.events, m.unsubErrors, m.subErrors, m.mirrorErrors)
	reg.MustRegister(&providerCollector{adapter: a, bus: bus})
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "probebot_md_active_subscriptions",
		Help: "Tokens the adapter is subscribed to",
	}, func() float64 { return float64(len(a.Subscriptions())) }))
	return m
}

func (m *Metrics) event(kind domain.EventKind) {
	if m != nil {
		m.events.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) unsubscribeError() {
	if m != nil {
		m.unsubErrors.Inc()
	}
}

func (m *Metrics) subscribeError() {
	if m != nil {
		m.subErrors.Inc()
	}
}

func (m *Metrics) mirrorError() {
	if m != nil {
		m.mirrorErrors.Inc()
	}
}

var (
	descRaw = prometheus.NewDesc("probebot_md_raw_messages_total",
		"Raw frames received", []string{"provider"}, nil)
	descParseErr = prometheus.NewDesc("probebot_md_parse_errors_total",
		"Frames that failed to parse", []string{"provider"}, nil)
	descReconnects = prometheus.NewDesc("probebot_md_reconnects_total",
		"Provider reconnect attempts", []string{"provider"}, nil)
	descSubSent = prometheus.NewDesc("probebot_md_subscribe_sent_total",
		"Subscribe commands sent", []string{"provider"}, nil)
	descUnsubSent = prometheus.NewDesc("probebot_md_unsubscribe_sent_total",
		"Unsubscribe commands sent", []string{"provider"}, nil)
	descConnected = prometheus.NewDesc("probebot_md_connected",
		"1 when the provider connection is up", []string{"provider"}, nil)
	descDropped = prometheus.NewDesc("probebot_bus_dropped_total",
		"Events discarded because a consumer queue was full", []string{"consumer"}, nil)
)

// providerCollector turns provider diagnostics and bus drop counts into
// metrics at scrape time.
type providerCollector struct {
	adapter *Adapter
	bus     *Bus
}

func (c *providerCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{descRaw, descParseErr, descReconnects, descSubSent, descUnsubSent, descConnected, descDropped} {
		ch <- d
	}
}

func (c *providerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, d := range c.adapter.Diagnostics() {
		ch <- prometheus.MustNewConstMetric(descRaw, prometheus.CounterValue, float64(d.RawMessages), d.Name)
		ch <- prometheus.MustNewConstMetric(descParseErr, prometheus.CounterValue, float64(d.ParseErrors), d.Name)
		ch <- prometheus.MustNewConstMetric(descReconnects, prometheus.CounterValue, float64(d.Reconnects), d.Name)
		ch <- prometheus.MustNewConstMetric(descSubSent, prometheus.CounterValue, float64(d.SubscribeSent), d.Name)
		ch <- prometheus.MustNewConstMetric(descUnsubSent, prometheus.CounterValue, float64(d.UnsubscribeSent), d.Name)
		connected := 0.0
		if d.Connected {
			connected = 1
		}
		ch <- prometheus.MustNewConstMetric(descConnected, prometheus.GaugeValue, connected, d.Name)
	}
	if c.bus == nil {
		return
	}
	for name, n := range c.bus.Dropped() {
		ch <- prometheus.MustNewConstMetric(descDropped, prometheus.CounterValue, float64(n), name)
	}
}
