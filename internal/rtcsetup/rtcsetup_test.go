package rtcsetup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dropwire-dev/dropwire/internal/transport"
)

// pipeSignal is an in-process transport.Signaling that hands whatever is
// Send to its peer's OnMessage handler directly, standing in for the
// out-of-scope signaling server during negotiation tests.
type pipeSignal struct {
	mu   sync.Mutex
	peer *pipeSignal
	onMsg func(transport.SignalMessage)
}

func newPipePair() (*pipeSignal, *pipeSignal) {
	a := &pipeSignal{}
	b := &pipeSignal{}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *pipeSignal) Send(ctx context.Context, msg transport.SignalMessage) error {
	p.mu.Lock()
	peer := p.peer
	p.mu.Unlock()
	peer.mu.Lock()
	handler := peer.onMsg
	peer.mu.Unlock()
	if handler != nil {
		go handler(msg)
	}
	return nil
}

func (p *pipeSignal) OnMessage(fn func(transport.SignalMessage)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMsg = fn
}

func (p *pipeSignal) Reconnect(ctx context.Context) error { return nil }
func (p *pipeSignal) Close() error                        { return nil }

// TestDialOfferAndDialAnswerNegotiate drives a full SDP offer/answer/ICE
// exchange between two real pion PeerConnections connected through an
// in-process signaling pipe, the same shape DialOffer/DialAnswer see against
// the real signaling service, and checks the control channel and every data
// channel come up open on both sides.
func TestDialOfferAndDialAnswerNegotiate(t *testing.T) {
	senderSig, receiverSig := newPipePair()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	const dataChannels = 2
	type outcome struct {
		result *Result
		err    error
	}
	senderDone := make(chan outcome, 1)
	receiverDone := make(chan outcome, 1)

	go func() {
		r, err := DialOffer(ctx, senderSig, dataChannels)
		senderDone <- outcome{r, err}
	}()
	go func() {
		r, err := DialAnswer(ctx, receiverSig)
		receiverDone <- outcome{r, err}
	}()

	senderOut := <-senderDone
	if senderOut.err != nil {
		t.Fatalf("DialOffer: %v", senderOut.err)
	}
	defer senderOut.result.PeerConnection.Close()

	receiverOut := <-receiverDone
	if receiverOut.err != nil {
		t.Fatalf("DialAnswer: %v", receiverOut.err)
	}
	defer receiverOut.result.PeerConnection.Close()

	if senderOut.result.Control.Label() != ControlLabel {
		t.Errorf("sender control label = %q, want %q", senderOut.result.Control.Label(), ControlLabel)
	}
	if receiverOut.result.Control.Label() != ControlLabel {
		t.Errorf("receiver control label = %q, want %q", receiverOut.result.Control.Label(), ControlLabel)
	}
	if len(senderOut.result.Data) != dataChannels {
		t.Errorf("sender opened %d data channels, want %d", len(senderOut.result.Data), dataChannels)
	}
	if len(receiverOut.result.Data) != dataChannels {
		t.Errorf("receiver observed %d data channels, want %d", len(receiverOut.result.Data), dataChannels)
	}

	received := make(chan string, 1)
	receiverOut.result.Control.OnMessage(func(msg webrtc.DataChannelMessage) {
		received <- string(msg.Data)
	})
	if err := senderOut.result.Control.SendText("hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	select {
	case got := <-received:
		if got != "hello" {
			t.Errorf("received %q, want %q", got, "hello")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for control channel message")
	}
}
