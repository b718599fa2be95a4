package chunkstore

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunks.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndGetAllOrdersBySeq(t *testing.T) {
	s := openTestStore(t)
	const transferID = "abc123/report.pdf/1024"

	for _, seq := range []uint32{2, 0, 1} {
		rec := Record{TransferID: transferID, Seq: seq, Offset: seq * 256, Size: 256, Payload: []byte("x")}
		if err := s.Put(rec); err != nil {
			t.Fatalf("Put(seq=%d): %v", seq, err)
		}
	}

	recs, err := s.GetAll(transferID)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len(recs) = %d, want 3", len(recs))
	}
	for i, r := range recs {
		if r.Seq != uint32(i) {
			t.Errorf("recs[%d].Seq = %d, want %d", i, r.Seq, i)
		}
	}
}

func TestPutIsIdempotentOnSeq(t *testing.T) {
	s := openTestStore(t)
	const transferID = "t1"

	rec := Record{TransferID: transferID, Seq: 0, Size: 4, Payload: []byte("abcd")}
	if err := s.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(rec); err != nil {
		t.Fatalf("Put (repeat): %v", err)
	}

	recs, err := s.GetAll(transferID)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("len(recs) = %d, want 1 (idempotent put)", len(recs))
	}
}

func TestDeleteAllRemovesChunksAndDescriptor(t *testing.T) {
	s := openTestStore(t)
	const transferID = "t2"

	if err := s.Put(Record{TransferID: transferID, Seq: 0, Size: 1, Payload: []byte("a")}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.PutDescriptor(Descriptor{TransferID: transferID, NextExpected: 1}); err != nil {
		t.Fatalf("PutDescriptor: %v", err)
	}

	if err := s.DeleteAll(transferID); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}

	recs, err := s.GetAll(transferID)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("len(recs) = %d after DeleteAll, want 0", len(recs))
	}
	_, found, err := s.GetDescriptor(transferID)
	if err != nil {
		t.Fatalf("GetDescriptor: %v", err)
	}
	if found {
		t.Error("descriptor still present after DeleteAll")
	}
}

func TestSeqSetReflectsGaps(t *testing.T) {
	s := openTestStore(t)
	const transferID = "t3"

	for _, seq := range []uint32{0, 1, 3} {
		if err := s.Put(Record{TransferID: transferID, Seq: seq, Size: 1, Payload: []byte("a")}); err != nil {
			t.Fatalf("Put(seq=%d): %v", seq, err)
		}
	}

	set, err := s.SeqSet(transferID)
	if err != nil {
		t.Fatalf("SeqSet: %v", err)
	}
	if _, ok := set[2]; ok {
		t.Error("seq 2 present in set, want gap")
	}
	if _, ok := set[3]; !ok {
		t.Error("seq 3 missing from set")
	}
}

func TestPersistedBytesSumsSizes(t *testing.T) {
	s := openTestStore(t)
	const transferID = "t4"

	for i, size := range []uint32{256, 256, 128} {
		if err := s.Put(Record{TransferID: transferID, Seq: uint32(i), Size: size, Payload: make([]byte, size)}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	total, err := s.PersistedBytes(transferID)
	if err != nil {
		t.Fatalf("PersistedBytes: %v", err)
	}
	if total != 640 {
		t.Errorf("PersistedBytes() = %d, want 640", total)
	}
}

func TestDescriptorRoundTrip(t *testing.T) {
	s := openTestStore(t)
	d := Descriptor{
		TransferID:   "t5",
		NextExpected: 42,
		FileName:     "video.mp4",
		FileSize:     1 << 20,
		MIME:         "video/mp4",
		TotalChunks:  100,
		ChunkSize:    262144,
	}
	if err := s.PutDescriptor(d); err != nil {
		t.Fatalf("PutDescriptor: %v", err)
	}
	got, found, err := s.GetDescriptor("t5")
	if err != nil {
		t.Fatalf("GetDescriptor: %v", err)
	}
	if !found {
		t.Fatal("descriptor not found after PutDescriptor")
	}
	if got != d {
		t.Errorf("got %+v, want %+v", got, d)
	}
}
