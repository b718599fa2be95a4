package receiver

import "sync"

// heldEntry is a decrypted payload awaiting a contiguous drain, along with
// the byte offset its own frame header carried.
type heldEntry struct {
	payload []byte
	offset  uint32
	isLast  bool
}

// reorderBuffer holds decrypted payloads for seq >= nextExpected, draining
// contiguous prefixes in order. Bounded to 4x the dynamic window size to
// cap memory use against a misbehaving or misconfigured peer, per spec's
// design notes.
type reorderBuffer struct {
	mu           sync.Mutex
	held         map[uint32]heldEntry
	nextExpected uint32
	capacity     int
}

func newReorderBuffer(capacity int) *reorderBuffer {
	return &reorderBuffer{
		held:     make(map[uint32]heldEntry),
		capacity: capacity,
	}
}

// insert accepts a payload at seq if seq >= nextExpected (duplicates and
// stale frames are no-ops). Returns true if accepted.
func (r *reorderBuffer) insert(seq uint32, offset uint32, isLast bool, payload []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seq < r.nextExpected {
		return false // already delivered; at-most-once per seq
	}
	if _, exists := r.held[seq]; exists {
		return false // duplicate
	}
	if len(r.held) >= r.capacity {
		return false // bounded; rely on retransmit once drained
	}
	r.held[seq] = heldEntry{payload: payload, offset: offset, isLast: isLast}
	return true
}

// drain removes and returns every contiguous entry starting at nextExpected,
// advancing nextExpected past the drained run.
func (r *reorderBuffer) drain() []drainedChunk {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []drainedChunk
	for {
		entry, ok := r.held[r.nextExpected]
		if !ok {
			break
		}
		out = append(out, drainedChunk{seq: r.nextExpected, offset: entry.offset, isLast: entry.isLast, payload: entry.payload})
		delete(r.held, r.nextExpected)
		r.nextExpected++
	}
	return out
}

// heldSeqs returns the sequence numbers currently held out of order, for
// inclusion as selective acks.
func (r *reorderBuffer) heldSeqs() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]uint32, 0, len(r.held))
	for seq := range r.held {
		out = append(out, seq)
	}
	return out
}

func (r *reorderBuffer) setNextExpected(seq uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextExpected = seq
}

func (r *reorderBuffer) NextExpected() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextExpected
}

func (r *reorderBuffer) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}

type drainedChunk struct {
	seq     uint32
	offset  uint32
	isLast  bool
	payload []byte
}
