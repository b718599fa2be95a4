// Package chunkstore implements the receiver's durable, indexed chunk
// persistence on top of an embedded bbolt database, giving the receiver
// crash-restart resume without a directory-listing scan.
package chunkstore

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
)

var (
	chunksBucket = []byte("chunks")   // transferId -> nested bucket of seq -> Record
	metaBucket   = []byte("metadata") // transferId -> Descriptor
)

// Record is a single persisted chunk, keyed by (transferID, seq).
type Record struct {
	TransferID string    `cbor:"1,keyasint"`
	Seq        uint32    `cbor:"2,keyasint"`
	Offset     uint32    `cbor:"3,keyasint"`
	Size       uint32    `cbor:"4,keyasint"`
	IsLast     bool      `cbor:"5,keyasint"`
	Payload    []byte    `cbor:"6,keyasint"`
	SavedAt    time.Time `cbor:"7,keyasint"`
}

// Descriptor is the metadata sidecar tracking resume state for a transfer.
type Descriptor struct {
	TransferID   string `cbor:"1,keyasint"`
	NextExpected uint32 `cbor:"2,keyasint"`
	FileName     string `cbor:"3,keyasint"`
	FileSize     uint64 `cbor:"4,keyasint"`
	MIME         string `cbor:"5,keyasint"`
	TotalChunks  uint32 `cbor:"6,keyasint"`
	ChunkSize    uint32 `cbor:"7,keyasint"`
}

// Store wraps a bbolt database holding both the chunk bucket and the
// metadata sidecar. Put and PutDescriptor each commit in their own bbolt
// transaction, so each write is atomic on its own; a chunk and the sidecar
// update describing it are two separate commits.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt database at path and ensures the
// top-level buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("chunkstore: opening database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(chunksBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("chunkstore: initializing buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func seqKey(seq uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], seq)
	return k[:]
}

// Put stores a chunk record, idempotent on (transferID, seq): re-putting the
// same seq with identical bytes is a no-op in effect (last-writer-wins, as
// required by §5's shared-resource rule).
func (s *Store) Put(rec Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		transferBucket, err := tx.Bucket(chunksBucket).CreateBucketIfNotExists([]byte(rec.TransferID))
		if err != nil {
			return fmt.Errorf("chunkstore: creating transfer bucket: %w", err)
		}
		encoded, err := cbor.Marshal(rec)
		if err != nil {
			return fmt.Errorf("chunkstore: encoding record: %w", err)
		}
		return transferBucket.Put(seqKey(rec.Seq), encoded)
	})
}

// GetAll returns every chunk persisted for transferID, ordered by seq.
func (s *Store) GetAll(transferID string) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		transferBucket := tx.Bucket(chunksBucket).Bucket([]byte(transferID))
		if transferBucket == nil {
			return nil
		}
		return transferBucket.ForEach(func(_, v []byte) error {
			var rec Record
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("chunkstore: decoding record: %w", err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// SeqSet returns the set of sequence numbers already persisted for
// transferID, for gap detection ahead of assembly.
func (s *Store) SeqSet(transferID string) (map[uint32]struct{}, error) {
	recs, err := s.GetAll(transferID)
	if err != nil {
		return nil, err
	}
	set := make(map[uint32]struct{}, len(recs))
	for _, r := range recs {
		set[r.Seq] = struct{}{}
	}
	return set, nil
}

// DeleteAll removes every persisted chunk and the metadata sidecar for
// transferID, called after successful assembly or on a fresh (non-resumed)
// transfer start.
func (s *Store) DeleteAll(transferID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(chunksBucket).DeleteBucket([]byte(transferID)); err != nil && err != bbolt.ErrBucketNotFound {
			return fmt.Errorf("chunkstore: deleting transfer bucket: %w", err)
		}
		if err := tx.Bucket(metaBucket).Delete([]byte(transferID)); err != nil {
			return fmt.Errorf("chunkstore: deleting descriptor: %w", err)
		}
		return nil
	})
}

// PutDescriptor writes the resume metadata sidecar for transferID.
func (s *Store) PutDescriptor(d Descriptor) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		encoded, err := cbor.Marshal(d)
		if err != nil {
			return fmt.Errorf("chunkstore: encoding descriptor: %w", err)
		}
		return tx.Bucket(metaBucket).Put([]byte(d.TransferID), encoded)
	})
}

// GetDescriptor reads the resume metadata sidecar for transferID. The second
// return value is false if no descriptor has been persisted yet.
func (s *Store) GetDescriptor(transferID string) (Descriptor, bool, error) {
	var d Descriptor
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(metaBucket).Get([]byte(transferID))
		if v == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(v, &d)
	})
	if err != nil {
		return Descriptor{}, false, fmt.Errorf("chunkstore: reading descriptor: %w", err)
	}
	return d, found, nil
}

// PersistedBytes returns the total byte size of chunks already persisted for
// transferID, used to answer RESUME_FROM with a byte offset.
func (s *Store) PersistedBytes(transferID string) (uint64, error) {
	recs, err := s.GetAll(transferID)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, r := range recs {
		total += uint64(r.Size)
	}
	return total, nil
}
