// Package rtcsetup performs the one piece of WebRTC plumbing spec §1
// declares out of scope for the transport package itself but that a working
// CLI still has to do somewhere: driving pion/webrtc's offer/answer/ICE
// dance over a transport.Signaling connection until a control channel and N
// data channels are open, then handing them to webrtcchannel.New. It does
// not implement the signaling *server* (spec's external rendezvous
// collaborator) or reimplement anything inside pion/webrtc — it only calls
// pion's public API the way any application embedding a data channel would.
// Grounded on the signaling/room wiring pattern in
// pion-webrtc/examples/sfu-ws (offer/answer relayed over a websocket) scaled
// down from SFU media negotiation to this engine's data-channel-only case.
package rtcsetup

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dropwire-dev/dropwire/internal/transport"
)

// ControlLabel and dataLabel name the data channels both peers agree on by
// convention, since channel negotiation itself is out of scope.
const ControlLabel = "dropwire-control"

func dataLabel(i int) string { return fmt.Sprintf("dropwire-data-%d", i) }

// signalPayload is the JSON body carried inside a transport.SignalMessage's
// Data field for "offer", "answer", and "ice_candidate" messages.
type signalPayload struct {
	SDP       string                  `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

func newPeerConnection() (*webrtc.PeerConnection, error) {
	cfg := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("rtcsetup: creating peer connection: %w", err)
	}
	return pc, nil
}

func relayICECandidates(pc *webrtc.PeerConnection, sig transport.Signaling) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		payload, err := json.Marshal(signalPayload{Candidate: &init})
		if err != nil {
			return
		}
		_ = sig.Send(context.Background(), transport.SignalMessage{Type: "ice_candidate", Data: payload})
	})
}

// Result bundles the channels a successful negotiation produces.
type Result struct {
	PeerConnection *webrtc.PeerConnection
	Control        *webrtc.DataChannel
	Data           []*webrtc.DataChannel
}

// DialOffer is the sender-side role: it creates the control channel plus
// dataChannels ordered data channels, sends an SDP offer over sig, and waits
// for the answer and open callbacks.
func DialOffer(ctx context.Context, sig transport.Signaling, dataChannels int) (*Result, error) {
	pc, err := newPeerConnection()
	if err != nil {
		return nil, err
	}
	relayICECandidates(pc, sig)

	ordered := true
	control, err := pc.CreateDataChannel(ControlLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("rtcsetup: creating control channel: %w", err)
	}
	data := make([]*webrtc.DataChannel, dataChannels)
	for i := range data {
		dc, err := pc.CreateDataChannel(dataLabel(i), &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			return nil, fmt.Errorf("rtcsetup: creating data channel %d: %w", i, err)
		}
		data[i] = dc
	}

	wait := newOpenWaiter(append([]*webrtc.DataChannel{control}, data...))

	answered := make(chan webrtc.SessionDescription, 1)
	sig.OnMessage(func(msg transport.SignalMessage) {
		switch msg.Type {
		case "answer":
			var p signalPayload
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				return
			}
			select {
			case answered <- webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}:
			default:
			}
		case "ice_candidate":
			var p signalPayload
			if err := json.Unmarshal(msg.Data, &p); err != nil || p.Candidate == nil {
				return
			}
			_ = pc.AddICECandidate(*p.Candidate)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("rtcsetup: creating offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("rtcsetup: setting local description: %w", err)
	}
	payload, err := json.Marshal(signalPayload{SDP: offer.SDP})
	if err != nil {
		return nil, fmt.Errorf("rtcsetup: encoding offer: %w", err)
	}
	if err := sig.Send(ctx, transport.SignalMessage{Type: "offer", Data: payload}); err != nil {
		return nil, fmt.Errorf("rtcsetup: sending offer: %w", err)
	}

	select {
	case answer := <-answered:
		if err := pc.SetRemoteDescription(answer); err != nil {
			return nil, fmt.Errorf("rtcsetup: setting remote description: %w", err)
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("rtcsetup: waiting for answer: %w", ctx.Err())
	}

	if err := wait(ctx); err != nil {
		return nil, err
	}
	return &Result{PeerConnection: pc, Control: control, Data: data}, nil
}

// settleWindow is how long DialAnswer waits after the most recent incoming
// data channel before deciding the sender has opened all of them. The
// receiver has no prior knowledge of the sender's parallel_data_channels
// count, so channel count is discovered rather than configured.
const settleWindow = 750 * time.Millisecond

// DialAnswer is the receiver-side role: it waits for the sender's offer,
// accepts the channels the sender opens, and posts an SDP answer over sig.
func DialAnswer(ctx context.Context, sig transport.Signaling) (*Result, error) {
	pc, err := newPeerConnection()
	if err != nil {
		return nil, err
	}
	relayICECandidates(pc, sig)

	var mu sync.Mutex
	var control *webrtc.DataChannel
	var data []*webrtc.DataChannel
	settled := make(chan struct{})
	var settleTimer *time.Timer
	resetSettle := func() {
		if settleTimer != nil {
			settleTimer.Stop()
		}
		settleTimer = time.AfterFunc(settleWindow, func() {
			select {
			case <-settled:
			default:
				close(settled)
			}
		})
	}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		mu.Lock()
		defer mu.Unlock()
		if dc.Label() == ControlLabel {
			control = dc
		} else {
			data = append(data, dc)
		}
		resetSettle()
	})

	offered := make(chan webrtc.SessionDescription, 1)
	sig.OnMessage(func(msg transport.SignalMessage) {
		switch msg.Type {
		case "offer":
			var p signalPayload
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				return
			}
			select {
			case offered <- webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}:
			default:
			}
		case "ice_candidate":
			var p signalPayload
			if err := json.Unmarshal(msg.Data, &p); err != nil || p.Candidate == nil {
				return
			}
			_ = pc.AddICECandidate(*p.Candidate)
		}
	})

	var offer webrtc.SessionDescription
	select {
	case offer = <-offered:
	case <-ctx.Done():
		return nil, fmt.Errorf("rtcsetup: waiting for offer: %w", ctx.Err())
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("rtcsetup: setting remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("rtcsetup: creating answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("rtcsetup: setting local description: %w", err)
	}
	payload, err := json.Marshal(signalPayload{SDP: answer.SDP})
	if err != nil {
		return nil, fmt.Errorf("rtcsetup: encoding answer: %w", err)
	}
	if err := sig.Send(ctx, transport.SignalMessage{Type: "answer", Data: payload}); err != nil {
		return nil, fmt.Errorf("rtcsetup: sending answer: %w", err)
	}

	select {
	case <-settled:
	case <-ctx.Done():
		return nil, fmt.Errorf("rtcsetup: waiting for data channels: %w", ctx.Err())
	}

	mu.Lock()
	if control == nil {
		mu.Unlock()
		return nil, fmt.Errorf("rtcsetup: sender never opened a %q channel", ControlLabel)
	}
	result := &Result{PeerConnection: pc, Control: control, Data: append([]*webrtc.DataChannel(nil), data...)}
	mu.Unlock()
	return waitOpenDirect(ctx, result)
}

// newOpenWaiter returns a function that blocks until every channel in dcs
// has fired OnOpen (or is already open), used by the offering side since
// pion only exposes readiness through that callback.
func newOpenWaiter(dcs []*webrtc.DataChannel) func(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(len(dcs))
	for _, dc := range dcs {
		dc := dc
		if dc.ReadyState() == webrtc.DataChannelStateOpen {
			wg.Done()
			continue
		}
		dc.OnOpen(func() { wg.Done() })
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	return func(ctx context.Context) error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("rtcsetup: waiting for data channels to open: %w", ctx.Err())
		case <-time.After(30 * time.Second):
			return fmt.Errorf("rtcsetup: timed out waiting for data channels to open")
		}
	}
}

// waitOpenDirect waits for the accepting side's channels, which pion
// reports already-open via OnDataChannel in most cases but not always.
func waitOpenDirect(ctx context.Context, r *Result) (*Result, error) {
	wait := newOpenWaiter(append([]*webrtc.DataChannel{r.Control}, r.Data...))
	if err := wait(ctx); err != nil {
		return nil, err
	}
	return r, nil
}
