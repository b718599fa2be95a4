package sender

import (
	"github.com/dropwire-dev/dropwire/internal/transport"
)

// maxBuffer and lowBuffer are the backpressure watermarks from spec's
// environment table (MAX_BUFFER / LOW = 4 MiB / 2 MiB).
const (
	maxBuffer = 4 * 1024 * 1024
	lowBuffer = 2 * 1024 * 1024
)

// balancer selects a data channel for the next chunk by round robin among
// eligible (open, under MAX_BUFFER) channels, preferring the least-loaded
// one on ties broken by index — mirroring the teacher's dispatcher
// round-robin-with-backpressure-skip selection.
type balancer struct {
	channels []transport.Channel
	next     int
}

func newBalancer(channels []transport.Channel) *balancer {
	return &balancer{channels: channels}
}

// pick returns the least-loaded eligible channel starting the scan at the
// round-robin cursor, or nil if every channel is closed or saturated.
func (b *balancer) pick() transport.Channel {
	if len(b.channels) == 0 {
		return nil
	}
	var best transport.Channel
	var bestLoad uint64
	n := len(b.channels)
	for i := 0; i < n; i++ {
		idx := (b.next + i) % n
		ch := b.channels[idx]
		if ch.Closed() {
			continue
		}
		load := ch.BufferedAmount()
		if load >= maxBuffer {
			continue
		}
		if best == nil || load < bestLoad {
			best = ch
			bestLoad = load
		}
	}
	if best != nil {
		b.next = (b.next + 1) % n
	}
	return best
}

// allSaturated reports whether every channel is closed or at/over MAX_BUFFER,
// the condition under which the sender must suspend per §4.4's backpressure rule.
func (b *balancer) allSaturated() bool {
	for _, ch := range b.channels {
		if ch.Closed() {
			continue
		}
		if ch.BufferedAmount() < maxBuffer {
			return false
		}
	}
	return true
}

// armWakers registers a one-shot bufferedAmountLow callback on every channel,
// any of which fires fn exactly once (the first channel to drain past LOW wins).
func (b *balancer) armWakers(fn func()) {
	fired := false
	wrapped := func() {
		if fired {
			return
		}
		fired = true
		fn()
	}
	for _, ch := range b.channels {
		ch.OnBufferedAmountLow(wrapped)
	}
}
