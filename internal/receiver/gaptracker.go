package receiver

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// gapTracker detects persistently missing sequence numbers so the receiver
// can emit a RETRANSMIT_REQUEST instead of NACKing every transient
// out-of-order arrival. Transient gaps (a few chunks arriving out of order
// within a normal window) are tolerated; only gaps that outlive gapTimeout
// are reported, and at most maxPerCycle per call to checkGaps.
type gapTracker struct {
	received     map[uint32]bool
	maxSeenSeq   uint32
	hasSeenSeq   bool
	firstSeen    map[uint32]time.Time
	notified     map[uint32]bool
	gapTimeout   time.Duration
	maxPerCycle  int

	mu     sync.Mutex
	logger *slog.Logger
}

func newGapTracker(gapTimeout time.Duration, maxPerCycle int, logger *slog.Logger) *gapTracker {
	if maxPerCycle <= 0 {
		maxPerCycle = 5
	}
	return &gapTracker{
		received:    make(map[uint32]bool),
		firstSeen:   make(map[uint32]time.Time),
		notified:    make(map[uint32]bool),
		gapTimeout:  gapTimeout,
		maxPerCycle: maxPerCycle,
		logger:      logger,
	}
}

// recordChunk marks seq received and seeds firstSeen for any newly exposed gap.
func (gt *gapTracker) recordChunk(seq uint32) {
	gt.mu.Lock()
	defer gt.mu.Unlock()

	gt.received[seq] = true
	delete(gt.firstSeen, seq)
	delete(gt.notified, seq)

	now := time.Now()

	if !gt.hasSeenSeq {
		if seq > 0 {
			for s := uint32(0); s < seq; s++ {
				if !gt.received[s] {
					gt.firstSeen[s] = now
				}
			}
		}
		gt.maxSeenSeq = seq
		gt.hasSeenSeq = true
		return
	}

	if seq > gt.maxSeenSeq {
		for s := gt.maxSeenSeq + 1; s < seq; s++ {
			if !gt.received[s] {
				if _, exists := gt.firstSeen[s]; !exists {
					gt.firstSeen[s] = now
				}
			}
		}
		gt.maxSeenSeq = seq
	}
}

// checkGaps returns up to maxPerCycle seqs that have been missing longer
// than gapTimeout and have not yet been notified.
func (gt *gapTracker) checkGaps() []uint32 {
	gt.mu.Lock()
	defer gt.mu.Unlock()

	now := time.Now()
	keys := make([]uint32, 0, len(gt.firstSeen))
	for seq := range gt.firstSeen {
		keys = append(keys, seq)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var gaps []uint32
	for _, seq := range keys {
		if gt.notified[seq] {
			continue
		}
		if gt.received[seq] {
			delete(gt.firstSeen, seq)
			delete(gt.notified, seq)
			continue
		}
		if now.Sub(gt.firstSeen[seq]) < gt.gapTimeout {
			continue
		}
		gaps = append(gaps, seq)
		if len(gaps) >= gt.maxPerCycle {
			break
		}
	}
	return gaps
}

// markNotified records that a RETRANSMIT_REQUEST covering seq was sent.
func (gt *gapTracker) markNotified(seq uint32) {
	gt.mu.Lock()
	defer gt.mu.Unlock()

	if gt.received[seq] {
		delete(gt.firstSeen, seq)
		delete(gt.notified, seq)
		return
	}
	if _, exists := gt.firstSeen[seq]; exists {
		gt.notified[seq] = true
	}
}

func (gt *gapTracker) pendingGaps() int {
	gt.mu.Lock()
	defer gt.mu.Unlock()
	n := 0
	for seq := range gt.firstSeen {
		if !gt.received[seq] {
			n++
		}
	}
	return n
}
