package marketdata

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/probebot/internal/domain"
)

// Consumer is one named, bounded queue on the bus. When it is full the
// oldest event is discarded to make room.
type Consumer struct {
	name    string
	mu      sync.Mutex
	ch      chan domain.MarketEvent
	closed  bool
	dropped atomic.Uint64
}

// C returns the receive side of the queue. It is closed with the bus.
func (c *Consumer) C() <-chan domain.MarketEvent { return c.ch }

func (c *Consumer) Name() string { return c.name }

// Dropped is the number of events discarded for this consumer.
func (c *Consumer) Dropped() uint64 { return c.dropped.Load() }

// Len is the number of queued events.
func (c *Consumer) Len() int { return len(c.ch) }

func (c *Consumer) offer(ev domain.MarketEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for {
		select {
		case c.ch <- ev:
			return
		default:
		}
		// The reader may drain concurrently, so only count a drop when an
		// event was actually removed.
		select {
		case <-c.ch:
			c.dropped.Add(1)
		default:
		}
	}
}

func (c *Consumer) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// Bus fans events out to every registered consumer without ever blocking
// the publisher.
type Bus struct {
	mu        sync.RWMutex
	consumers map[string]*Consumer
	closed    bool
	defaultSz int
	retired   atomic.Uint64
}

// NewBus creates a bus whose consumers default to capacity events.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Bus{consumers: make(map[string]*Consumer), defaultSz: capacity}
}

// Register adds (or returns the existing) consumer called name. A capacity
// of zero uses the bus default.
func (b *Bus) Register(name string, capacity int) *Consumer {
	if capacity <= 0 {
		capacity = b.defaultSz
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.consumers[name]; ok {
		return c
	}
	c := &Consumer{name: name, ch: make(chan domain.MarketEvent, capacity)}
	if b.closed {
		c.close()
	}
	b.consumers[name] = c
	return c
}

// Unregister removes and closes the consumer. Its drops stay in the total.
func (b *Bus) Unregister(name string) {
	b.mu.Lock()
	c, ok := b.consumers[name]
	delete(b.consumers, name)
	b.mu.Unlock()
	if ok {
		b.retired.Add(c.Dropped())
		c.close()
	}
}

// Publish delivers ev to every consumer. It is a no-op after Close.
func (b *Bus) Publish(ev domain.MarketEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, c := range b.consumers {
		c.offer(ev)
	}
}

// Dropped returns the per-consumer drop counts.
func (b *Bus) Dropped() map[string]uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]uint64, len(b.consumers))
	for name, c := range b.consumers {
		out[name] = c.Dropped()
	}
	return out
}

// TotalDropped sums drops across live and unregistered consumers.
func (b *Bus) TotalDropped() uint64 {
	total := b.retired.Load()
	for _, n := range b.Dropped() {
		total += n
	}
	return total
}

// Consumers returns the registered names in order.
func (b *Bus) Consumers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.consumers))
	for name := range b.consumers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every consumer channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, c := range b.consumers {
		c.close()
	}
}
