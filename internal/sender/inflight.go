package sender

import (
	"sync"
	"time"
)

// inflightEntry tracks one sent-but-not-yet-acknowledged chunk, per spec's
// "sender inflight table" data model.
type inflightEntry struct {
	plaintext  []byte // kept so retransmission re-encrypts with the same deterministic nonce; pre-compressed if compressed is set
	compressed bool
	offset     uint32
	isLast     bool
	firstSent  time.Time
	lastSent   time.Time
	retryCount int
}

// inflightTable is the sender's map from seq to inflightEntry. Entries are
// created on first send and removed on cumulative ACK of that seq or higher,
// or on terminal failure — never read or written outside a held lock, since
// spec §5 forbids suspension points inside its critical sections.
type inflightTable struct {
	mu      sync.Mutex
	entries map[uint32]*inflightEntry
}

func newInflightTable() *inflightTable {
	return &inflightTable{entries: make(map[uint32]*inflightEntry)}
}

func (t *inflightTable) add(seq uint32, e *inflightEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[seq] = e
}

// ackCumulative removes every entry with seq <= cumulativeAck.
func (t *inflightTable) ackCumulative(cumulativeAck uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for seq := range t.entries {
		if seq <= cumulativeAck {
			delete(t.entries, seq)
		}
	}
}

// ackSelective removes specific acknowledged sequences beyond the cumulative ack.
func (t *inflightTable) ackSelective(seqs []uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, seq := range seqs {
		delete(t.entries, seq)
	}
}

func (t *inflightTable) get(seq uint32) (*inflightEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[seq]
	return e, ok
}

func (t *inflightTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// snapshot returns a copy of (seq, entry) pairs for scanning without holding
// the lock across the retransmit decision and the network send.
func (t *inflightTable) snapshot() map[uint32]inflightEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint32]inflightEntry, len(t.entries))
	for seq, e := range t.entries {
		out[seq] = *e
	}
	return out
}

func (t *inflightTable) touch(seq uint32, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[seq]; ok {
		e.lastSent = now
		e.retryCount++
	}
}
