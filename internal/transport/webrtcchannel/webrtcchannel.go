// Package webrtcchannel adapts a pion/webrtc DataChannel to the
// transport.Channel capability interface. ICE/SDP negotiation stays out of
// scope: callers hand this adapter an already-open *webrtc.DataChannel.
package webrtcchannel

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DefaultLowThreshold is the buffered-amount-low watermark this adapter
// arms on the wrapped data channel, within spec's 2-4 MiB range.
const DefaultLowThreshold = 2 * 1024 * 1024

// Channel wraps a *webrtc.DataChannel open on one peer connection.
type Channel struct {
	dc *webrtc.DataChannel
}

// New wraps dc, arming its buffered-amount-low threshold.
func New(dc *webrtc.DataChannel) *Channel {
	dc.SetBufferedAmountLowThreshold(DefaultLowThreshold)
	return &Channel{dc: dc}
}

// Send implements transport.Channel.
func (c *Channel) Send(data []byte) error {
	if err := c.dc.Send(data); err != nil {
		return fmt.Errorf("webrtcchannel: send: %w", err)
	}
	return nil
}

// BufferedAmount implements transport.Channel.
func (c *Channel) BufferedAmount() uint64 {
	return c.dc.BufferedAmount()
}

// OnBufferedAmountLow implements transport.Channel as a one-shot waker: pion
// fires this callback every time the buffered amount crosses the threshold
// going down, so we re-arm with a dedicated flag to keep the contract
// one-shot at the transport.Channel level.
func (c *Channel) OnBufferedAmountLow(fn func()) {
	fired := false
	c.dc.OnBufferedAmountLow(func() {
		if fired {
			return
		}
		fired = true
		fn()
	})
}

// OnMessage implements transport.Channel.
func (c *Channel) OnMessage(fn func(data []byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

// Closed implements transport.Channel.
func (c *Channel) Closed() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateClosed ||
		c.dc.ReadyState() == webrtc.DataChannelStateClosing
}

// Close implements transport.Channel.
func (c *Channel) Close() error {
	return c.dc.Close()
}
