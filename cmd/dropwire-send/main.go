// Command dropwire-send offers a local file to a peer over a WebRTC data
// channel: it negotiates the connection through the signaling service,
// exchanges a session key, and drives a sender.Engine until the transfer
// reaches a terminal state.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dropwire-dev/dropwire/internal/compression"
	"github.com/dropwire-dev/dropwire/internal/config"
	"github.com/dropwire-dev/dropwire/internal/cryptoengine"
	"github.com/dropwire-dev/dropwire/internal/daemon"
	"github.com/dropwire-dev/dropwire/internal/flowctl"
	"github.com/dropwire-dev/dropwire/internal/logging"
	"github.com/dropwire-dev/dropwire/internal/metrics"
	"github.com/dropwire-dev/dropwire/internal/pairing"
	"github.com/dropwire-dev/dropwire/internal/protocol"
	"github.com/dropwire-dev/dropwire/internal/rtcsetup"
	"github.com/dropwire-dev/dropwire/internal/sender"
	"github.com/dropwire-dev/dropwire/internal/session"
	"github.com/dropwire-dev/dropwire/internal/transport"
	"github.com/dropwire-dev/dropwire/internal/transport/webrtcchannel"
	"github.com/dropwire-dev/dropwire/internal/transport/wssignal"
)

func main() {
	configPath := flag.String("config", "/etc/dropwire/sender.yaml", "path to sender config file")
	filePath := flag.String("file", "", "path to the file to send")
	flag.Parse()

	if *filePath == "" {
		fmt.Fprintln(os.Stderr, "Error: -file is required")
		os.Exit(1)
	}

	cfg, err := config.LoadSenderConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *filePath, logger); err != nil {
		logger.Error("transfer failed", "error", err)
		os.Exit(1)
	}
	logger.Info("transfer complete")
}

// fileSource adapts an *os.File to sender.FileSource.
type fileSource struct {
	f    *os.File
	size int64
}

func (s *fileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }
func (s *fileSource) Size() int64                              { return s.size }

// signalReconnector adapts a wssignal.Client into daemon.Reconnector.
// NeedsReconnect reports whether the signaling connection has been lost, so
// the supervisor's sweep re-dials it; while connected it receives the
// supervisor's signaling heartbeat.
type signalReconnector struct {
	id  string
	sig *wssignal.Client
}

func (r *signalReconnector) TransferID() string { return r.id }
func (r *signalReconnector) NeedsReconnect() bool { return r.sig.Lost() }
func (r *signalReconnector) Reconnect(ctx context.Context) error { return r.sig.Reconnect(ctx) }
func (r *signalReconnector) Heartbeat(ctx context.Context) error {
	return r.sig.Send(ctx, transport.SignalMessage{Type: "ping"})
}

func run(ctx context.Context, cfg *config.SenderConfig, filePath string, logger *slog.Logger) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}
	source := &fileSource{f: f, size: info.Size()}
	fileName := filepath.Base(filePath)
	mimeType := mime.TypeByExtension(filepath.Ext(filePath))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	code := cfg.Signaling.Code
	if code == "" {
		code, err = pairing.NewCode()
		if err != nil {
			return fmt.Errorf("generating pairing code: %w", err)
		}
	}
	fmt.Printf("Pairing code: %s\n", code)

	logger, sessionCloser, _, err := logging.NewSessionLogger(logger, cfg.Logging.SessionLogDir, "dropwire-send", code)
	if err != nil {
		return fmt.Errorf("opening per-transfer session log: %w", err)
	}
	defer sessionCloser.Close()
	logger.Info("waiting for peer", "code", code, "file", fileName, "size", info.Size())

	sig, err := wssignal.Dial(ctx, fmt.Sprintf("%s/ws/%s/sender", cfg.Signaling.URL, code))
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

	sm := session.New(session.RoleSender, logger, nil)
	if err := sm.ToWaiting(); err != nil {
		return fmt.Errorf("entering waiting state: %w", err)
	}

	negotiateCtx, negotiateCancel := context.WithTimeout(ctx, 60*time.Second)
	result, err := rtcsetup.DialOffer(negotiateCtx, sig, cfg.Transport.ParallelDataChannels)
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

	key := make([]byte, cryptoengine.KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generating session key: %w", err)
	}
	if err := sm.ToReady(key); err != nil {
		return fmt.Errorf("entering ready state: %w", err)
	}
	cipher, err := cryptoengine.NewCipher(key)
	if err != nil {
		return err
	}
	keyRecord, err := protocol.EncodeRecord(protocol.RecordKey, protocol.KeyExchange{Key: key})
	if err != nil {
		return fmt.Errorf("encoding key exchange: %w", err)
	}
	if err := control.Send(keyRecord); err != nil {
		return fmt.Errorf("sending key exchange: %w", err)
	}

	var compressor *compression.Codec
	if cfg.Compression.Enabled {
		compressor, err = compression.New()
		if err != nil {
			return fmt.Errorf("building compressor: %w", err)
		}
		defer compressor.Close()
	}

	done := make(chan error, 1)
	reportDone := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	eng := sender.New(sender.Config{
		Control:    control,
		Data:       dataChannels,
		Cipher:     cipher,
		Flow:       flowctl.New(logger),
		Logger:     logger,
		Compressor: compressor,
		Metrics:    reg,
		OnDone:     func() { _ = sm.ToComplete(); reportDone(nil) },
		OnFailed:   func(err error) { sm.Fail(err); reportDone(err) },
	})

	jobs := make(chan func(), 256)
	go func() {
		for job := range jobs {
			job()
		}
	}()

	control.OnMessage(func(data []byte) {
		typ, payload, parseErr := protocol.ParseRecord(data)
		if parseErr != nil {
			logger.Warn("sender: malformed control record", "error", parseErr)
			return
		}
		jobs <- func() { handleSenderControl(eng, sm, control, typ, payload, logger, reportDone) }
	})

	// The session transitions READY -> TRANSFERRING only once the receiver
	// answers with READY or RESUME_FROM (handleSenderControl), not here:
	// the sender has announced the file but the peer has not yet confirmed
	// it can accept data frames.
	if err := eng.OfferFile(source, fileName, mimeType, "sha256"); err != nil {
		return fmt.Errorf("offering file: %w", err)
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				jobs <- func() { eng.Tick(time.Now()) }
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
			logging.RemoveSessionLog(cfg.Logging.SessionLogDir, "dropwire-send", code)
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
		logger.Warn("sender: control keepalive failed", "error", err)
	}
}

func handleSenderControl(eng *sender.Engine, sm *session.Machine, control transport.Channel, typ protocol.RecordType, payload []byte, logger *slog.Logger, reportDone func(error)) {
	switch typ {
	case protocol.RecordReady:
		var ready protocol.Ready
		if err := protocol.DecodeRecord(payload, &ready); err != nil {
			return
		}
		if err := sm.ToTransferring(); err != nil {
			logger.Warn("sender: cannot begin transferring", "error", err)
			return
		}
		eng.OnStartTransfer()
		eng.Tick(time.Now())
	case protocol.RecordResumeFrom:
		var rf protocol.ResumeFrom
		if err := protocol.DecodeRecord(payload, &rf); err != nil {
			return
		}
		if err := sm.ToTransferring(); err != nil {
			logger.Warn("sender: cannot resume transferring", "error", err)
			return
		}
		eng.OnResumeFrom(rf)
		eng.Tick(time.Now())
	case protocol.RecordChunkBatchAck:
		var ack protocol.ChunkBatchAck
		if err := protocol.DecodeRecord(payload, &ack); err != nil {
			return
		}
		eng.OnSack(ack)
	case protocol.RecordRetransmitRequest:
		var rr protocol.RetransmitRequest
		if err := protocol.DecodeRecord(payload, &rr); err != nil {
			return
		}
		eng.OnRetransmitRequest(rr)
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
		_ = control.Send(pong)
	case protocol.RecordPong:
		// RTT is sampled from ChunkBatchAck timing; pong only confirms liveness.
	}
}
