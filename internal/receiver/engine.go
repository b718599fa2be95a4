// Package receiver implements the receiver engine: reorder buffer, batched
// selective acknowledgment, gap-driven retransmit requests, durable chunk
// persistence, and end-to-end integrity verification on assembly.
package receiver

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"

	"github.com/dropwire-dev/dropwire/internal/chunkstore"
	"github.com/dropwire-dev/dropwire/internal/compression"
	"github.com/dropwire-dev/dropwire/internal/cryptoengine"
	"github.com/dropwire-dev/dropwire/internal/diskguard"
	"github.com/dropwire-dev/dropwire/internal/flowctl"
	"github.com/dropwire-dev/dropwire/internal/metrics"
	"github.com/dropwire-dev/dropwire/internal/protocol"
	"github.com/dropwire-dev/dropwire/internal/transport"
)

// Batched-ack and gap-detection tuning, per spec's environment table.
const (
	sackBatchSize     = 50
	sackFlushInterval = 100 * time.Millisecond
	gapTimeout        = 2 * time.Second
	maxRetransmitsPerCycle = 5
	reorderCapacityFactor  = 4

	// maxConsecutiveDecryptFailures is the number of distinct seqs in a row
	// that must fail AEAD authentication before the receiver gives up on
	// retransmit recovery and assumes the session key itself is wrong
	// (spec §7: "after N consecutive decrypt failures ... assume key
	// mismatch -> FAILED").
	maxConsecutiveDecryptFailures = 8
)

// Config bundles a receiver Engine's collaborators.
type Config struct {
	Control    transport.Channel
	Store      *chunkstore.Store
	Cipher     *cryptoengine.Cipher
	Flow       *flowctl.Controller
	Logger     *slog.Logger
	DestDir    string
	TransferID string
	// Decompressor, when non-nil, is used to reverse sender-side zstd
	// compression on chunks marked FlagIsCompressed.
	Decompressor *compression.Codec
	// DiskGuard, when non-nil, gates every chunk persist on free disk space,
	// failing the transfer closed instead of letting a write land on a full
	// disk (see SPEC_FULL.md's Supplemented Features).
	DiskGuard  *diskguard.Guard
	Metrics    *metrics.Registry
	OnReady    func()
	OnComplete func(path string)
	OnFailed   func(error)
}

// Engine is the receiver's event-driven core, mirroring the sender Engine's
// single-logical-event-loop contract (spec §5): methods are meant to be
// called from one goroutine. Decryption and chunk-store writes run inline on
// that calling goroutine.
type Engine struct {
	control      transport.Channel
	store        *chunkstore.Store
	cipher       *cryptoengine.Cipher
	flow         *flowctl.Controller
	decompressor *compression.Codec
	diskGuard    *diskguard.Guard
	metrics      *metrics.Registry
	logger       *slog.Logger

	transferID string
	destDir    string

	onReady    func()
	onComplete func(path string)
	onFailed   func(error)

	reorder *reorderBuffer
	gaps    *gapTracker
	asm     *assembler

	fileName  string
	fileSize  uint64
	hashAlgo  string
	chunkSize uint32

	remoteSum []byte
	hashSeen  bool
	endSeen   bool

	pendingSinceAck int
	lastAckSent     time.Time
	haveCumulative  bool
	cumulativeSeq   uint32

	consecutiveDecryptFailures int
	lastDecryptFailSeq         uint32
	haveLastDecryptFailSeq     bool

	finished bool
	failed   bool
}

// New builds a receiver Engine from cfg.
func New(cfg Config) *Engine {
	e := &Engine{
		control:      cfg.Control,
		store:        cfg.Store,
		cipher:       cfg.Cipher,
		flow:         cfg.Flow,
		decompressor: cfg.Decompressor,
		diskGuard:    cfg.DiskGuard,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		transferID: cfg.TransferID,
		destDir:    cfg.DestDir,
		onReady:    cfg.OnReady,
		onComplete: cfg.OnComplete,
		onFailed:   cfg.OnFailed,
		gaps:       newGapTracker(gapTimeout, maxRetransmitsPerCycle, cfg.Logger),
		asm:        newAssembler(cfg.Store, cfg.DestDir),
	}
	windowCap := reorderCapacityFactor * cfg.Flow.WindowSize()
	if windowCap <= 0 {
		windowCap = reorderCapacityFactor * 8
	}
	e.reorder = newReorderBuffer(windowCap)
	return e
}

// OnMetadata records the incoming file's description and signals readiness
// to accept data frames. If the transfer was previously interrupted, it
// resumes from whatever the chunk store has already persisted.
func (e *Engine) OnMetadata(m protocol.Metadata) error {
	e.fileName = m.FileName
	e.fileSize = m.FileSize
	e.hashAlgo = m.HashAlgo
	e.chunkSize = m.ChunkSize

	nextExpected := uint32(0)
	persisted := uint64(0)
	if desc, ok, err := e.store.GetDescriptor(e.transferID); err != nil {
		return fmt.Errorf("receiver: reading resume descriptor: %w", err)
	} else if ok {
		nextExpected = desc.NextExpected
		if n, err := e.store.PersistedBytes(e.transferID); err == nil {
			persisted = n
		}
	}
	e.reorder.setNextExpected(nextExpected)
	if nextExpected > 0 {
		e.haveCumulative = true
		e.cumulativeSeq = nextExpected - 1
	}

	if err := e.store.PutDescriptor(chunkstore.Descriptor{
		TransferID:   e.transferID,
		NextExpected: nextExpected,
		FileName:     m.FileName,
		FileSize:     m.FileSize,
		ChunkSize:    m.ChunkSize,
	}); err != nil {
		return fmt.Errorf("receiver: writing resume descriptor: %w", err)
	}

	if nextExpected > 0 {
		return e.sendControl(protocol.RecordResumeFrom, protocol.ResumeFrom{
			SessionID:  e.transferID,
			NextSeq:    nextExpected,
			ByteOffset: persisted,
		})
	}
	if err := e.sendControl(protocol.RecordReady, protocol.Ready{SessionID: e.transferID}); err != nil {
		return err
	}
	if e.onReady != nil {
		e.onReady()
	}
	return nil
}

// OnDataFrame decrypts and persists an inbound DATA frame, draining any
// newly-contiguous run into the chunk store and feeding the gap tracker.
func (e *Engine) OnDataFrame(h protocol.Header, ciphertext []byte) error {
	if e.failed || e.finished {
		return nil
	}
	var plaintext []byte
	var err error
	if h.IsEncrypted() {
		plaintext, err = e.cipher.Open(h.Seq, ciphertext)
		if err != nil {
			if e.metrics != nil {
				e.metrics.DecryptFailures.Inc()
			}
			if !e.haveLastDecryptFailSeq || e.lastDecryptFailSeq != h.Seq {
				e.consecutiveDecryptFailures++
				e.lastDecryptFailSeq = h.Seq
				e.haveLastDecryptFailSeq = true
			}
			if e.consecutiveDecryptFailures >= maxConsecutiveDecryptFailures {
				e.fail(fmt.Errorf("receiver: %d consecutive decrypt failures across distinct seqs, assuming key mismatch", e.consecutiveDecryptFailures))
				return nil
			}
			return fmt.Errorf("receiver: decrypting seq %d: %w", h.Seq, err)
		}
	} else {
		plaintext = ciphertext
	}
	e.consecutiveDecryptFailures = 0
	e.haveLastDecryptFailSeq = false

	if h.IsCompressed() {
		if e.decompressor == nil {
			return fmt.Errorf("receiver: seq %d is compressed but no decompressor is configured", h.Seq)
		}
		plaintext, err = e.decompressor.Decompress(plaintext)
		if err != nil {
			return fmt.Errorf("receiver: decompressing seq %d: %w", h.Seq, err)
		}
	}

	if e.metrics != nil {
		e.metrics.ChunksReceived.Inc()
	}
	e.gaps.recordChunk(h.Seq)
	e.reorder.insert(h.Seq, h.Offset, h.IsLast(), plaintext)

	drained := e.reorder.drain()
	for _, chunk := range drained {
		if e.diskGuard != nil {
			if err := e.diskGuard.Check(); err != nil {
				err = fmt.Errorf("receiver: admission check for chunk %d: %w", chunk.seq, err)
				e.fail(err)
				return err
			}
		}
		rec := chunkstore.Record{
			TransferID: e.transferID,
			Seq:        chunk.seq,
			Offset:     chunk.offset,
			Size:       uint32(len(chunk.payload)),
			IsLast:     chunk.isLast,
			Payload:    chunk.payload,
			SavedAt:    time.Now(),
		}
		if err := e.store.Put(rec); err != nil {
			return fmt.Errorf("receiver: persisting chunk %d: %w", chunk.seq, err)
		}
		e.haveCumulative = true
		e.cumulativeSeq = chunk.seq
		e.pendingSinceAck++
		if e.metrics != nil {
			e.metrics.BytesReceived.Add(float64(len(chunk.payload)))
		}
	}
	if len(drained) > 0 {
		if err := e.store.PutDescriptor(chunkstore.Descriptor{
			TransferID:   e.transferID,
			NextExpected: e.reorder.NextExpected(),
			FileName:     e.fileName,
			FileSize:     e.fileSize,
			ChunkSize:    e.chunkSize,
		}); err != nil {
			return fmt.Errorf("receiver: updating resume descriptor: %w", err)
		}
	}

	e.maybeSendAck(false)
	if h.IsLast() {
		e.checkCompletion()
	}
	return nil
}

// OnHash records the sender's end-to-end integrity digest. The digest
// arrives sealed under the session key with a random nonce (spec §4.2); a
// digest that fails to decrypt fails the transfer, the same as any other
// control-channel record that doesn't authenticate.
func (e *Engine) OnHash(h protocol.HashRecord) {
	sum, err := e.cipher.OpenRandom(h.Sum)
	if err != nil {
		e.fail(fmt.Errorf("receiver: decrypting digest: %w", err))
		return
	}
	e.remoteSum = sum
	e.hashAlgo = h.Algo
	e.hashSeen = true
	e.checkCompletion()
}

// OnEnd marks that the sender has no more chunks to send.
func (e *Engine) OnEnd(_ protocol.EndRecord) {
	e.endSeen = true
	e.checkCompletion()
}

// Tick runs periodic housekeeping: flushing a due batched ack and escalating
// persistent gaps into a RETRANSMIT_REQUEST.
func (e *Engine) Tick(now time.Time) {
	if e.failed || e.finished {
		return
	}
	e.maybeSendAckAt(now, true)

	missing := e.gaps.checkGaps()
	if len(missing) == 0 {
		return
	}
	if err := e.sendControl(protocol.RecordRetransmitRequest, protocol.RetransmitRequest{MissingSeqs: missing}); err != nil {
		e.logger.Warn("receiver: retransmit request failed", "error", err)
		return
	}
	for _, seq := range missing {
		e.gaps.markNotified(seq)
	}
}

func (e *Engine) maybeSendAck(force bool) {
	e.maybeSendAckAt(time.Now(), force)
}

func (e *Engine) maybeSendAckAt(now time.Time, timerFired bool) {
	if !e.haveCumulative {
		return
	}
	due := e.pendingSinceAck >= sackBatchSize
	if timerFired && e.pendingSinceAck > 0 && now.Sub(e.lastAckSent) >= sackFlushInterval {
		due = true
	}
	if !due {
		return
	}
	ack := protocol.ChunkBatchAck{
		CumulativeSeq: e.cumulativeSeq,
		SelectiveAcks: e.reorder.heldSeqs(),
	}
	if err := e.sendControl(protocol.RecordChunkBatchAck, ack); err != nil {
		e.logger.Warn("receiver: sending batched ack failed", "error", err)
		return
	}
	e.pendingSinceAck = 0
	e.lastAckSent = now
}

func (e *Engine) checkCompletion() {
	if e.finished || e.failed {
		return
	}
	if !e.endSeen || !e.hashSeen {
		return
	}
	persisted, err := e.store.PersistedBytes(e.transferID)
	if err != nil {
		e.fail(fmt.Errorf("receiver: checking persisted bytes: %w", err))
		return
	}
	if persisted < e.fileSize {
		return // gaps remain; retransmit requests will fill them
	}

	path, err := e.asm.assemble(e.transferID, e.fileName, e.fileSize, e.remoteSum)
	if err != nil {
		e.fail(fmt.Errorf("receiver: assembling file: %w", err))
		return
	}
	e.finished = true
	if e.onComplete != nil {
		e.onComplete(path)
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

// DecodeDataFrame parses a raw message received on a data channel into its
// header and ciphertext, for callers wiring transport.Channel.OnMessage to
// Engine.OnDataFrame.
func DecodeDataFrame(msg []byte) (protocol.Header, []byte, error) {
	return protocol.ReadFrame(bytes.NewReader(msg))
}
