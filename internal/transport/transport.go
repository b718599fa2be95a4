// Package transport defines the capability interfaces a sender or receiver
// engine depends on for moving bytes and signaling messages. Concrete
// adapters (webrtcchannel, wssignal) and a deterministic fake (faketest)
// satisfy these interfaces; the engines never import a transport
// implementation directly, inverting the dependency the teacher's dynamic
// imports used to break package cycles.
package transport

import "context"

// Channel is a single datagram-shaped data channel: ordered or unordered,
// message-oriented, with a buffered-amount backpressure signal.
type Channel interface {
	// Send transmits one message (a framed chunk) on this channel.
	Send(data []byte) error
	// BufferedAmount reports bytes currently queued for send but not yet
	// flushed to the network.
	BufferedAmount() uint64
	// OnBufferedAmountLow registers a one-shot callback fired the next time
	// BufferedAmount drops below the channel's configured low-water mark.
	// Registering a new callback replaces any pending one.
	OnBufferedAmountLow(fn func())
	// OnMessage registers the callback invoked for every inbound message.
	OnMessage(fn func(data []byte))
	// Closed reports whether the channel has been closed by either side.
	Closed() bool
	// Close closes the channel.
	Close() error
}

// SignalMessage is one message exchanged over the signaling channel, per
// spec's `/ws/{code}/{role}` surface.
type SignalMessage struct {
	Type string // ice_candidate | peer_ready | offer | answer | ping | pong | transfer_ready | transfer_complete | error
	Data []byte // message-type-specific payload, opaque to the engine
}

// Signaling is the rendezvous/signaling collaborator: a small, ordered,
// reliable message channel used only for session setup, keepalive, and
// reconnect — never for chunk data.
type Signaling interface {
	// Send transmits one signaling message.
	Send(ctx context.Context, msg SignalMessage) error
	// OnMessage registers the callback invoked for every inbound signaling message.
	OnMessage(fn func(msg SignalMessage))
	// Reconnect attempts to re-establish the signaling connection, honoring ctx's deadline.
	Reconnect(ctx context.Context) error
	// Close closes the signaling connection.
	Close() error
}
