// Package sender implements the sliding-window sender engine: adaptive
// chunking, AES-GCM encryption, multi-channel load balancing, pacing, and
// exponential-backoff retransmission.
package sender

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/dropwire-dev/dropwire/internal/compression"
	"github.com/dropwire-dev/dropwire/internal/cryptoengine"
	"github.com/dropwire-dev/dropwire/internal/flowctl"
	"github.com/dropwire-dev/dropwire/internal/metrics"
	"github.com/dropwire-dev/dropwire/internal/protocol"
	"github.com/dropwire-dev/dropwire/internal/transport"
)

// Retransmission and retry-budget constants, per spec's environment table.
const (
	retransmitBase = 1 * time.Second
	backoffCap     = 3  // exponent cap: 2^min(retryCount, 3)
	absoluteCapX   = 10 // absolute cap: 10x the base interval
	softRetryLimit = 5
	hardRetryLimit = 50
)

// FileSource is the chunker's read side: a random-access byte source of
// known total size.
type FileSource interface {
	io.ReaderAt
	Size() int64
}

// Config bundles an Engine's collaborators. Channels and Control are
// capability interfaces (transport.Channel), never concrete transports,
// per spec's dependency-inversion guidance.
type Config struct {
	Control transport.Channel
	Data    []transport.Channel
	Cipher  *cryptoengine.Cipher
	Flow    *flowctl.Controller
	Logger  *slog.Logger
	// Compressor, when non-nil, is offered as the transfer's pre-encryption
	// codec. It is only actually used for MIME types compression.ShouldCompress
	// approves, negotiated once via METADATA.Compressed.
	Compressor *compression.Codec
	// Metrics, when non-nil, is updated on every send, ack, and retransmit.
	Metrics  *metrics.Registry
	OnDone   func()
	OnFailed func(error)
}

// Engine is the sender's event-driven core. All exported methods are meant
// to be invoked from a single logical event loop (spec §5); it performs no
// internal locking against concurrent calls to these methods, but its
// encryption and I/O are safe to offload to worker goroutines that report
// back by invoking these same methods.
type Engine struct {
	control transport.Channel
	balancer *balancer
	cipher   *cryptoengine.Cipher
	digest   *cryptoengine.Digest
	flow     *flowctl.Controller
	logger   *slog.Logger

	onDone   func()
	onFailed func(error)

	source   FileSource
	fileSize int64

	windowBase uint32 // lowest unacked seq
	nextSeq    uint32
	fileOffset int64

	inflight *inflightTable
	metrics  *metrics.Registry

	compressor *compression.Codec
	compress   bool

	finished bool
	failed   bool
}

// New builds an Engine from cfg.
func New(cfg Config) *Engine {
	e := &Engine{
		control:    cfg.Control,
		balancer:   newBalancer(cfg.Data),
		cipher:     cfg.Cipher,
		digest:     cryptoengine.NewDigest(),
		flow:       cfg.Flow,
		logger:     cfg.Logger,
		onDone:     cfg.OnDone,
		onFailed:   cfg.OnFailed,
		inflight:   newInflightTable(),
		metrics:    cfg.Metrics,
		compressor: cfg.Compressor,
	}
	return e
}

// OfferFile announces a file over the control channel via METADATA. It may
// be called only once per transfer; calling it again before a terminal
// state is a no-op (idempotent per spec §4.4).
func (e *Engine) OfferFile(source FileSource, name, mime, hashAlgo string) error {
	if e.source != nil {
		return nil
	}
	e.source = source
	e.fileSize = source.Size()
	e.compress = e.compressor != nil && compression.ShouldCompress(mime)

	meta := protocol.Metadata{
		FileName:   name,
		FileSize:   uint64(e.fileSize),
		ChunkSize:  e.flow.OptimalChunkSize(),
		HashAlgo:   hashAlgo,
		Compressed: e.compress,
	}
	return e.sendControl(protocol.RecordMetadata, meta)
}

// OnStartTransfer initializes sender state for a fresh (non-resumed) transfer.
func (e *Engine) OnStartTransfer() {
	e.windowBase = 0
	e.nextSeq = 0
	e.fileOffset = 0
}

// OnResumeFrom initializes sender state to continue after a receiver-reported
// resume point. The end-to-end digest covers the whole file regardless of
// where a reconnected engine picks up, so the bytes already accepted by the
// receiver (and never seen by this engine instance) are hashed here before
// any new chunk is sent.
func (e *Engine) OnResumeFrom(r protocol.ResumeFrom) {
	e.windowBase = r.NextSeq
	e.nextSeq = r.NextSeq
	e.fileOffset = int64(r.ByteOffset)
	if e.source != nil && r.ByteOffset > 0 {
		e.primeDigest(int64(r.ByteOffset))
	}
}

// primeDigest feeds the digest with the file's first upTo bytes, catching it
// up to a resume point set by a receiver that already has those bytes.
func (e *Engine) primeDigest(upTo int64) {
	buf := make([]byte, upTo)
	n, err := e.source.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		e.logger.Warn("sender: priming digest for resume failed", "error", err)
		return
	}
	e.digest.Write(buf[:n])
}

// OnSack advances the window base, releases acknowledged inflight entries,
// and samples RTT from the oldest newly-acknowledged entry's first-sent time.
func (e *Engine) OnSack(ack protocol.ChunkBatchAck) {
	if e.oldestStillInflightBefore(ack.CumulativeSeq) {
		if entry, ok := e.inflight.get(e.windowBase); ok {
			e.flow.ObserveRTT(float64(time.Since(entry.firstSent).Milliseconds()))
		}
	}
	e.inflight.ackCumulative(ack.CumulativeSeq)
	e.inflight.ackSelective(ack.SelectiveAcks)

	if ack.CumulativeSeq+1 > e.windowBase {
		e.windowBase = ack.CumulativeSeq + 1
	}
	e.reportFlowMetrics()
	e.checkCompletion()
}

// reportFlowMetrics refreshes the gauges a caller's metrics scrape reads
// between ticks: window size, chunk size, RTT, fill rate, and inflight
// bookkeeping. It is cheap and side-effect free, so it is safe to call after
// every state-changing operation.
func (e *Engine) reportFlowMetrics() {
	if e.metrics == nil {
		return
	}
	e.metrics.WindowSize.Set(float64(e.flow.WindowSize()))
	e.metrics.ChunkSize.Set(float64(e.flow.OptimalChunkSize()))
	e.metrics.FillRateBytes.Set(e.flow.FillRate())
	e.metrics.InflightChunks.Set(float64(e.inflight.len()))
}

func (e *Engine) oldestStillInflightBefore(seq uint32) bool {
	_, ok := e.inflight.get(e.windowBase)
	return ok && e.windowBase <= seq
}

// OnRetransmitRequest re-encrypts and resends the named sequences using
// their recorded plaintext and offset — never re-chunked, per §4.4.
func (e *Engine) OnRetransmitRequest(req protocol.RetransmitRequest) {
	for _, seq := range req.MissingSeqs {
		entry, ok := e.inflight.get(seq)
		if !ok {
			continue
		}
		if err := e.resend(seq, entry); err != nil {
			e.logger.Warn("sender: retransmit failed", "seq", seq, "error", err)
		}
	}
}

// Tick runs the periodic (1s) retransmission scanner over the inflight table.
func (e *Engine) Tick(now time.Time) {
	if e.failed || e.finished {
		return
	}
	for seq, snap := range e.inflight.snapshot() {
		due := backoffDeadline(snap.lastSent, snap.retryCount)
		if now.Before(due) {
			continue
		}
		if snap.retryCount == softRetryLimit {
			e.logger.Warn("sender: chunk approaching retry limit", "seq", seq, "retryCount", snap.retryCount)
		}
		if snap.retryCount >= hardRetryLimit {
			e.fail(fmt.Errorf("sender: peer unresponsive for seq %d after %d retries", seq, snap.retryCount))
			return
		}
		entry := snap
		if err := e.resend(seq, &entry); err != nil {
			e.logger.Warn("sender: tick retransmit failed", "seq", seq, "error", err)
			continue
		}
		e.inflight.touch(seq, now)
		if e.metrics != nil {
			e.metrics.Retransmits.Inc()
		}
	}
	e.trySendMore()
	e.reportFlowMetrics()
}

// backoffDeadline computes the time at which a chunk becomes due for
// retransmission: lastSent + RETRANSMIT_INTERVAL * 2^min(retryCount, k),
// capped at 10x the base interval.
func backoffDeadline(lastSent time.Time, retryCount int) time.Time {
	exp := retryCount
	if exp > backoffCap {
		exp = backoffCap
	}
	interval := retransmitBase * time.Duration(math.Pow(2, float64(exp)))
	cap := retransmitBase * absoluteCapX
	if interval > cap {
		interval = cap
	}
	return lastSent.Add(interval)
}

// trySendMore sends as many new chunks as the window, token bucket, and
// channel backpressure allow, suspending via a one-shot waker when every
// data channel is saturated.
func (e *Engine) trySendMore() {
	if e.source == nil || e.failed || e.finished {
		return
	}
	for {
		if uint32(e.nextSeq-e.windowBase) >= uint32(e.flow.WindowSize()) {
			return
		}
		if e.fileOffset >= e.fileSize {
			e.checkCompletion()
			return
		}
		chunkSize := int64(e.flow.OptimalChunkSize())
		remaining := e.fileSize - e.fileOffset
		if chunkSize > remaining {
			chunkSize = remaining
		}
		if !e.flow.CanSend(int(chunkSize)) {
			return
		}
		if e.balancer.allSaturated() {
			e.balancer.armWakers(e.trySendMore)
			return
		}
		if err := e.sendChunk(chunkSize); err != nil {
			e.logger.Error("sender: chunk send failed", "error", err)
			return
		}
	}
}

func (e *Engine) sendChunk(size int64) error {
	plaintext := make([]byte, size)
	if _, err := e.source.ReadAt(plaintext, e.fileOffset); err != nil && err != io.EOF {
		return fmt.Errorf("sender: reading source at offset %d: %w", e.fileOffset, err)
	}
	e.digest.Write(plaintext)

	seq := e.nextSeq
	offset := e.fileOffset
	isLast := e.fileOffset+size >= e.fileSize

	wirePayload := plaintext
	compressed := false
	if e.compress {
		wirePayload = e.compressor.Compress(plaintext)
		compressed = true
	}

	entry := &inflightEntry{
		plaintext:  wirePayload,
		compressed: compressed,
		offset:     uint32(offset),
		isLast:     isLast,
		firstSent:  time.Now(),
		lastSent:   time.Now(),
	}
	e.inflight.add(seq, entry)

	if err := e.transmit(seq, entry); err != nil {
		return err
	}

	e.nextSeq++
	e.fileOffset += size
	if e.metrics != nil {
		e.metrics.ChunksSent.Inc()
		e.metrics.BytesSent.Add(float64(size))
	}
	return nil
}

func (e *Engine) resend(seq uint32, entry *inflightEntry) error {
	entry.lastSent = time.Now()
	return e.transmit(seq, entry)
}

func (e *Engine) transmit(seq uint32, entry *inflightEntry) error {
	ch := e.balancer.pick()
	if ch == nil {
		return fmt.Errorf("sender: no eligible data channel for seq %d", seq)
	}
	ciphertext := e.cipher.Seal(seq, entry.plaintext)

	var flags byte
	flags |= protocol.FlagIsEncrypted
	if entry.isLast {
		flags |= protocol.FlagIsLast
	}
	if entry.compressed {
		flags |= protocol.FlagIsCompressed
	}

	var buf bytes.Buffer
	if err := protocol.WriteFrame(&buf, protocol.FrameData, seq, entry.offset, flags, ciphertext); err != nil {
		return fmt.Errorf("sender: framing seq %d: %w", seq, err)
	}
	return ch.Send(buf.Bytes())
}

func (e *Engine) checkCompletion() {
	if e.finished || e.failed {
		return
	}
	if e.fileOffset >= e.fileSize && e.inflight.len() == 0 {
		e.finished = true
		sum := e.digest.Sum()
		sealedSum, err := e.cipher.SealRandom(sum[:])
		if err != nil {
			e.logger.Warn("sender: sealing digest failed", "error", err)
		} else {
			_ = e.sendControl(protocol.RecordHash, protocol.HashRecord{Algo: "sha256", Sum: sealedSum})
		}
		_ = e.sendControl(protocol.RecordEnd, protocol.EndRecord{TotalChunks: e.nextSeq})
		if e.onDone != nil {
			e.onDone()
		}
	}
}

func (e *Engine) fail(err error) {
	if e.failed || e.finished {
		return
	}
	e.failed = true
	_ = e.sendControl(protocol.RecordError, protocol.ErrorRecord{Reason: err.Error()})
	if e.onFailed != nil {
		e.onFailed(err)
	}
}

func (e *Engine) sendControl(typ protocol.RecordType, v interface{}) error {
	data, err := protocol.EncodeRecord(typ, v)
	if err != nil {
		return err
	}
	return e.control.Send(data)
}
