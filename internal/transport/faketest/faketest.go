// Package faketest provides an in-memory transport.Channel pair with
// configurable packet loss, reordering, and jitter, used to drive the
// network-fault scenarios (S1-S6) the spec requires without a real network.
package faketest

import (
	"math/rand"
	"sync"
	"time"
)

// Profile configures the fault behavior of a ChannelPair's link.
type Profile struct {
	DropRate    float64       // probability a message is dropped in transit, [0,1)
	ReorderPair bool          // when true, swaps the delivery order of every adjacent pair
	JitterMean  time.Duration // mean extra delivery delay
	JitterSpan  time.Duration // +/- uniform spread around JitterMean
	MaxBuffer   uint64        // simulated backpressure ceiling, 0 disables it
	LowBuffer   uint64        // simulated bufferedAmountLow watermark
}

// Channel is one endpoint of an in-memory link satisfying transport.Channel.
type Channel struct {
	name    string
	profile Profile
	rng     *rand.Rand

	mu        sync.Mutex
	peer      *Channel
	buffered  uint64
	closed    bool
	onMsg     func([]byte)
	onLowOnce func()

	pending []pendingMsg // held back for ReorderPair
}

type pendingMsg struct {
	data []byte
}

// NewPair builds two linked Channels sharing profile and a deterministic rng
// seeded from seed (Date/Random are unavailable in this harness, so callers
// must supply their own seed for reproducibility).
func NewPair(profile Profile, seed int64) (a, b *Channel) {
	rng := rand.New(rand.NewSource(seed))
	a = &Channel{name: "a", profile: profile, rng: rng}
	b = &Channel{name: "b", profile: profile, rng: rng}
	a.peer = b
	b.peer = a
	return a, b
}

// Send implements transport.Channel, applying drop/reorder/jitter before
// delivering synchronously to the peer's OnMessage callback.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	peer := c.peer
	c.buffered += uint64(len(data))
	drop := c.profile.DropRate > 0 && c.rng.Float64() < c.profile.DropRate
	reorder := c.profile.ReorderPair
	c.mu.Unlock()

	defer c.settle(uint64(len(data)))

	if drop {
		return nil
	}

	if c.profile.JitterMean > 0 {
		delta := time.Duration(0)
		if c.profile.JitterSpan > 0 {
			delta = time.Duration(c.rng.Int63n(int64(2*c.profile.JitterSpan))) - c.profile.JitterSpan
		}
		time.Sleep(c.profile.JitterMean + delta)
	}

	if reorder {
		c.mu.Lock()
		c.pending = append(c.pending, pendingMsg{data: data})
		flush := len(c.pending) >= 2
		var batch []pendingMsg
		if flush {
			batch = c.pending
			c.pending = nil
		}
		c.mu.Unlock()
		if flush {
			batch[0], batch[1] = batch[1], batch[0]
			for _, m := range batch {
				peer.deliver(m.data)
			}
		}
		return nil
	}

	peer.deliver(data)
	return nil
}

func (c *Channel) settle(n uint64) {
	c.mu.Lock()
	if c.buffered >= n {
		c.buffered -= n
	} else {
		c.buffered = 0
	}
	low := c.profile.LowBuffer
	cb := c.onLowOnce
	belowLow := cb != nil && c.buffered <= low
	if belowLow {
		c.onLowOnce = nil
	}
	c.mu.Unlock()
	if belowLow {
		cb()
	}
}

func (c *Channel) deliver(data []byte) {
	c.mu.Lock()
	handler := c.onMsg
	c.mu.Unlock()
	if handler != nil {
		handler(data)
	}
}

// BufferedAmount implements transport.Channel.
func (c *Channel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

// OnBufferedAmountLow implements transport.Channel as a one-shot callback.
func (c *Channel) OnBufferedAmountLow(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLowOnce = fn
}

// OnMessage implements transport.Channel.
func (c *Channel) OnMessage(fn func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMsg = fn
}

// Closed implements transport.Channel.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close implements transport.Channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
