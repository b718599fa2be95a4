// Command dropwire-receive accepts an incoming file transfer from a peer
// holding the matching pairing code: it negotiates the WebRTC connection
// through the signaling service, accepts the session key, and drives a
// receiver.Engine until the transfer reaches a terminal state.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dropwire-dev/dropwire/internal/chunkstore"
	"github.com/dropwire-dev/dropwire/internal/compression"
	"github.com/dropwire-dev/dropwire/internal/config"
	"github.com/dropwire-dev/dropwire/internal/cryptoengine"
	"github.com/dropwire-dev/dropwire/internal/daemon"
	"github.com/dropwire-dev/dropwire/internal/diskguard"
	"github.com/dropwire-dev/dropwire/internal/flowctl"
	"github.com/dropwire-dev/dropwire/internal/logging"
	"github.com/dropwire-dev/dropwire/internal/metrics"
	"github.com/dropwire-dev/dropwire/internal/pairing"
	"github.com/dropwire-dev/dropwire/internal/protocol"
	"github.com/dropwire-dev/dropwire/internal/receiver"
	"github.com/dropwire-dev/dropwire/internal/rtcsetup"
	"github.com/dropwire-dev/dropwire/internal/session"
	"github.com/dropwire-dev/dropwire/internal/transport"
	"github.com/dropwire-dev/dropwire/internal/transport/webrtcchannel"
	"github.com/dropwire-dev/dropwire/internal/transport/wssignal"
)

func main() {
	configPath := flag.String("config", "/etc/dropwire/receiver.yaml", "path to receiver config file")
	code := flag.String("code", "", "pairing code announced by the sender")
	flag.Parse()

	if *code == "" {
		fmt.Fprintln(os.Stderr, "Error: -code is required")
		os.Exit(1)
	}

	cfg, err := config.LoadReceiverConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *code, logger); err != nil {
		logger.Error("transfer failed", "error", err)
		os.Exit(1)
	}
	logger.Info("transfer complete")
}

type signalReconnector struct {
	id  string
	sig *wssignal.Client
}

func (r *signalReconnector) TransferID() string                  { return r.id }
func (r *signalReconnector) NeedsReconnect() bool                { return r.sig.Lost() }
func (r *signalReconnector) Reconnect(ctx context.Context) error { return r.sig.Reconnect(ctx) }
func (r *signalReconnector) Heartbeat(ctx context.Context) error {
	return r.sig.Send(ctx, transport.SignalMessage{Type: "ping"})
}

// senderState tracks the one piece of data the control handler needs before
// a receiver.Engine exists: the pending session key. The engine itself is
// only constructed once METADATA names the transfer (see handleReceiverControl).
type senderState struct {
	sm       *session.Machine
	cfg      *config.ReceiverConfig
	store    *chunkstore.Store
	guard    *diskguard.Guard
	reg      *metrics.Registry
	control  transport.Channel
	code     string
	logger   *slog.Logger
	decomp   *compression.Codec

	cipher *cryptoengine.Cipher
	eng    *receiver.Engine
}

// cipherReady records the session key's derived cipher once RecordKey
// arrives. METADATA (and therefore engine construction) may arrive before or
// after the key in principle, but the sender always transmits the key first.
func (s *senderState) cipherReady(c *cryptoengine.Cipher) {
	s.cipher = c
}

func run(ctx context.Context, cfg *config.ReceiverConfig, code string, logger *slog.Logger) error {
	store, err := chunkstore.Open(cfg.Storage.ChunkStorePath)
	if err != nil {
		return fmt.Errorf("opening chunk store: %w", err)
	}
	defer store.Close()

	if err := os.MkdirAll(cfg.Storage.DestDir, 0755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}
	guard := diskguard.New(cfg.DiskGuard.CheckPath, cfg.DiskGuard.MinFreeRaw, cfg.DiskGuard.Enabled)

	logger, sessionCloser, _, err := logging.NewSessionLogger(logger, cfg.Logging.SessionLogDir, "dropwire-receive", code)
	if err != nil {
		return fmt.Errorf("opening per-transfer session log: %w", err)
	}
	defer sessionCloser.Close()

	sig, err := wssignal.Dial(ctx, fmt.Sprintf("%s/ws/%s/receiver", cfg.Signaling.URL, code))
	if err != nil {
		return fmt.Errorf("connecting to signaling: %w", err)
	}
	defer sig.Close()

	var reg *metrics.Registry
	if cfg.Metrics.Enabled {
		reg = metrics.New()
		srv := reg.Serve(cfg.Metrics.Listen)
		defer srv.Shutdown(context.Background())
	}

	sup := daemon.New(cfg.Daemon.ResumeSweepSchedule, logger)
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("starting daemon supervisor: %w", err)
	}
	defer sup.Stop()
	sup.Track(&signalReconnector{id: code, sig: sig})
	defer sup.Untrack(code)

	sm := session.New(session.RoleReceiver, logger, nil)

	negotiateCtx, negotiateCancel := context.WithTimeout(ctx, 60*time.Second)
	result, err := rtcsetup.DialAnswer(negotiateCtx, sig)
	negotiateCancel()
	if err != nil {
		return fmt.Errorf("negotiating webrtc channels: %w", err)
	}
	defer result.PeerConnection.Close()

	control := webrtcchannel.New(result.Control)
	dataChannels := make([]transport.Channel, len(result.Data))
	for i, dc := range result.Data {
		dataChannels[i] = webrtcchannel.New(dc)
	}

	decomp, err := compression.New()
	if err != nil {
		return fmt.Errorf("building decompressor: %w", err)
	}
	defer decomp.Close()

	done := make(chan error, 1)
	reportDone := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	st := &senderState{
		sm:      sm,
		cfg:     cfg,
		store:   store,
		guard:   guard,
		reg:     reg,
		control: control,
		code:    code,
		logger:  logger,
		decomp:  decomp,
	}

	jobs := make(chan func(), 256)
	go func() {
		for job := range jobs {
			job()
		}
	}()

	control.OnMessage(func(data []byte) {
		typ, payload, parseErr := protocol.ParseRecord(data)
		if parseErr != nil {
			logger.Warn("receiver: malformed control record", "error", parseErr)
			return
		}
		jobs <- func() { handleReceiverControl(st, typ, payload, reportDone) }
	})

	for _, dc := range dataChannels {
		dc := dc
		dc.OnMessage(func(msg []byte) {
			jobs <- func() {
				if st.eng == nil {
					logger.Warn("receiver: data frame arrived before METADATA")
					return
				}
				h, ciphertext, err := receiver.DecodeDataFrame(msg)
				if err != nil {
					if reg != nil {
						reg.FramingErrors.Inc()
					}
					logger.Warn("receiver: framing error", "error", err)
					return
				}
				if err := st.eng.OnDataFrame(h, ciphertext); err != nil {
					logger.Warn("receiver: data frame error", "error", err)
				}
			}
		})
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				jobs <- func() {
					if st.eng != nil {
						st.eng.Tick(time.Now())
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	keepalive := time.NewTicker(daemon.ControlKeepalive)
	defer keepalive.Stop()
	go func() {
		for {
			select {
			case <-keepalive.C:
				jobs <- func() { sendControlPing(control, logger) }
			case <-ctx.Done():
				return
			}
		}
	}()

	select {
	case err := <-done:
		if err == nil {
			logging.RemoveSessionLog(cfg.Logging.SessionLogDir, "dropwire-receive", code)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendControlPing sends the spec's 5s control-channel keepalive, refreshing
// the NAT mapping a WebRTC data channel rides on. The peer answers with a
// RecordPong echoing the timestamp; no RTT is computed from it.
func sendControlPing(control transport.Channel, logger *slog.Logger) {
	ping, err := protocol.EncodeRecord(protocol.RecordPing, protocol.Ping{Timestamp: time.Now().UnixNano()})
	if err != nil {
		return
	}
	if err := control.Send(ping); err != nil {
		logger.Warn("receiver: control keepalive failed", "error", err)
	}
}

func handleReceiverControl(st *senderState, typ protocol.RecordType, payload []byte, reportDone func(error)) {
	switch typ {
	case protocol.RecordKey:
		var ke protocol.KeyExchange
		if err := protocol.DecodeRecord(payload, &ke); err != nil {
			return
		}
		if err := st.sm.ToReady(ke.Key); err != nil {
			st.logger.Error("receiver: cannot accept session key", "error", err)
			reportDone(err)
			return
		}
		cipher, err := cryptoengine.NewCipher(ke.Key)
		if err != nil {
			reportDone(err)
			return
		}
		st.cipherReady(cipher)
	case protocol.RecordMetadata:
		var m protocol.Metadata
		if err := protocol.DecodeRecord(payload, &m); err != nil {
			return
		}
		if st.cipher == nil {
			reportDone(fmt.Errorf("receiver: METADATA arrived before the session key"))
			return
		}
		if err := st.sm.ToTransferring(); err != nil {
			st.logger.Error("receiver: cannot begin transferring", "error", err)
			reportDone(err)
			return
		}
		transferID := pairing.TransferID(st.code, m.FileName, m.FileSize)
		st.eng = receiver.New(receiver.Config{
			Control:      st.control,
			Store:        st.store,
			Cipher:       st.cipher,
			Flow:         flowctl.New(st.logger),
			Logger:       st.logger,
			DestDir:      st.cfg.Storage.DestDir,
			TransferID:   transferID,
			Decompressor: st.decomp,
			DiskGuard:    st.guard,
			Metrics:      st.reg,
			OnComplete: func(path string) {
				_ = st.sm.ToComplete()
				st.logger.Info("file assembled", "path", path)
				reportDone(nil)
			},
			OnFailed: func(err error) {
				st.sm.Fail(err)
				reportDone(err)
			},
		})
		if err := st.eng.OnMetadata(m); err != nil {
			reportDone(err)
		}
	case protocol.RecordHash:
		if st.eng == nil {
			return
		}
		var h protocol.HashRecord
		if err := protocol.DecodeRecord(payload, &h); err != nil {
			return
		}
		st.eng.OnHash(h)
	case protocol.RecordEnd:
		if st.eng == nil {
			return
		}
		var e protocol.EndRecord
		if err := protocol.DecodeRecord(payload, &e); err != nil {
			return
		}
		st.eng.OnEnd(e)
	case protocol.RecordError:
		var er protocol.ErrorRecord
		if err := protocol.DecodeRecord(payload, &er); err != nil {
			return
		}
		reportDone(fmt.Errorf("peer reported error: %s", er.Reason))
	case protocol.RecordPing:
		var ping protocol.Ping
		if err := protocol.DecodeRecord(payload, &ping); err != nil {
			return
		}
		pong, err := protocol.EncodeRecord(protocol.RecordPong, protocol.Pong{Timestamp: ping.Timestamp})
		if err != nil {
			return
		}
		_ = st.control.Send(pong)
	}
}
