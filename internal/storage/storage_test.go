package storage

import (
	"bytes"
	"fmt"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	k1 := DocKey("items", "1")
	k2 := DocKey("items", "2")
	other := DocKey("items2", "1")

	ts, err := s.Commit([]BatchOp{
		{Key: k1, Value: []byte("val1")},
		{Key: k2, Value: []byte("val2")},
		{Key: other, Value: []byte("elsewhere")},
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if ts != 1 || s.ReadTs() != 1 {
		t.Fatalf("want commit ts 1, got %d (read ts %d)", ts, s.ReadTs())
	}

	rec, ok := s.Get(k1, s.ReadTs())
	if !ok || !bytes.Equal(rec.Value, []byte("val1")) || rec.Version != 1 {
		t.Errorf("Get: got %+v %v", rec, ok)
	}

	var found []string
	s.ScanPrefix(NamespacePrefix("items"), s.ReadTs(), func(k []byte, rec Record) bool {
		_, pk, ok := SplitDocKey(k)
		if !ok {
			t.Fatalf("bad key %x", k)
		}
		found = append(found, pk)
		return true
	})
	if fmt.Sprint(found) != "[1 2]" {
		t.Errorf("Scan expected [1 2], got %v", found)
	}
}

func TestMVCCEncoding(t *testing.T) {
	key := []byte("userKey")
	ts := uint64(100)

	encoded := EncodeKey(key, ts)
	decodedKey, decodedTs := DecodeKey(encoded)

	if !bytes.Equal(decodedKey, key) {
		t.Errorf("Decoded key mismatch")
	}
	if decodedTs != ts {
		t.Errorf("Decoded logic error. Want %d, got %d", ts, decodedTs)
	}

	// Newer versions sort first.
	if bytes.Compare(EncodeKey(key, 100), EncodeKey(key, 50)) >= 0 {
		t.Errorf("Expected Newer timestamp to sort BEFORE Older timestamp")
	}
}

func TestDocKeyPrefixFree(t *testing.T) {
	a := DocKey("ns", "a")
	b := DocKey("ns", "a\x00b")
	c := DocKey("ns", "a\xff")
	for _, k := range [][]byte{b, c} {
		if bytes.HasPrefix(k, a) {
			t.Errorf("%x has prefix %x", k, a)
		}
	}
	ns, pk, ok := SplitDocKey(b)
	if !ok || ns != "ns" || pk != "a\x00b" {
		t.Errorf("SplitDocKey: %q %q %v", ns, pk, ok)
	}
	if _, _, ok := SplitDocKey([]byte("ns")); ok {
		t.Errorf("SplitDocKey accepted an unterminated key")
	}
}

func TestMVCCGet(t *testing.T) {
	s := NewMemoryStore()
	key := DocKey("accounts", "A")

	for _, ts := range []uint64{10, 20, 30} {
		op := BatchOp{Key: key, Value: []byte(fmt.Sprintf("v%d", ts))}
		if err := s.OnePhaseCommit([]BatchOp{op}, ts); err != nil {
			t.Fatalf("commit %d: %v", ts, err)
		}
	}
	if err := s.OnePhaseCommit([]BatchOp{{Key: key}}, 40); err != nil {
		t.Fatalf("delete: %v", err)
	}

	tests := []struct {
		readTs uint64
		want   string
	}{
		{5, ""},
		{10, "v10"},
		{15, "v10"},
		{20, "v20"},
		{25, "v20"},
		{30, "v30"},
		{39, "v30"},
		{40, ""},
		{100, ""},
	}
	for _, tt := range tests {
		rec, ok := s.Get(key, tt.readTs)
		if tt.want == "" {
			if ok {
				t.Errorf("ReadTs %d: want nothing, got %s", tt.readTs, rec.Value)
			}
			continue
		}
		if !ok || string(rec.Value) != tt.want {
			t.Errorf("ReadTs %d: want %s, got %s", tt.readTs, tt.want, rec.Value)
		}
	}

	if err := s.OnePhaseCommit([]BatchOp{{Key: key, Value: []byte("x")}}, 40); err == nil {
		t.Errorf("OnePhaseCommit accepted a stale timestamp")
	}
}

func TestBatchAtomicVisibility(t *testing.T) {
	s := NewMemoryStore()
	before, release := s.Acquire()
	defer release()

	s.Commit([]BatchOp{
		{Key: DocKey("t", "10500"), Value: []byte("a")},
		{Key: DocKey("t", "10501"), Value: []byte("b")},
		{Key: DocKey("t", "10502"), Value: []byte("c")},
	})

	count := func(ts uint64) int {
		n := 0
		s.ScanPrefix(NamespacePrefix("t"), ts, func([]byte, Record) bool { n++; return true })
		return n
	}
	if n := count(before); n != 0 {
		t.Errorf("old reader sees %d docs", n)
	}
	if n := count(s.ReadTs()); n != 3 {
		t.Errorf("new reader sees %d docs, want 3", n)
	}
}

func TestRunGC(t *testing.T) {
	s := NewMemoryStore()
	live := DocKey("ns", "live")
	dead := DocKey("ns", "dead")

	s.Commit([]BatchOp{{Key: live, Value: []byte("1")}, {Key: dead, Value: []byte("1")}})
	s.Commit([]BatchOp{{Key: live, Value: []byte("2")}})
	pinned, release := s.Acquire()
	s.Commit([]BatchOp{{Key: live, Value: []byte("3")}, {Key: dead}})

	// The pinned reader at ts 2 still needs live@2 and dead@1.
	if n := s.RunGC(s.SafeTs()); n != 1 {
		t.Errorf("GC with pinned reader removed %d versions, want 1", n)
	}
	if rec, ok := s.Get(dead, pinned); !ok || string(rec.Value) != "1" {
		t.Errorf("pinned reader lost dead@1")
	}

	release()
	if n := s.RunGC(s.SafeTs()); n != 3 {
		t.Errorf("GC removed %d versions, want 3", n)
	}
	if s.Versions() != 1 {
		t.Errorf("want 1 version left, got %d", s.Versions())
	}
	if rec, ok := s.Get(live, s.ReadTs()); !ok || string(rec.Value) != "3" {
		t.Errorf("live key damaged by GC")
	}
}

func TestDeleteRange(t *testing.T) {
	s := NewMemoryStore()
	s.Commit([]BatchOp{
		{Key: DocKey("a", "1"), Value: []byte("x")},
		{Key: DocKey("a", "2"), Value: []byte("x")},
		{Key: DocKey("ab", "1"), Value: []byte("x")},
	})
	s.Commit([]BatchOp{{Key: DocKey("a", "1"), Value: []byte("y")}})

	if n := s.DeleteRange(NamespacePrefix("a")); n != 3 {
		t.Errorf("DeleteRange removed %d, want 3", n)
	}
	if _, ok := s.Get(DocKey("ab", "1"), s.ReadTs()); !ok {
		t.Errorf("DeleteRange touched a sibling namespace")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	s.Commit([]BatchOp{
		{Key: DocKey("ns", "1"), Value: []byte(`{"id":1}`)},
		{Key: DocKey("ns", "2"), Value: []byte(`{"id":2}`)},
	})
	s.Commit([]BatchOp{{Key: DocKey("ns", "2")}, {Key: DocKey("ns", "\x00bin")}})
	s.Commit([]BatchOp{{Key: DocKey("ns", "\x00bin"), Value: []byte{0, 1, 2}}})

	data, ts := s.GetSnapshotData()
	if ts != 3 {
		t.Fatalf("snapshot ts %d", ts)
	}

	r := NewMemoryStore()
	if err := r.RestoreSnapshot(data); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if r.ReadTs() != 3 {
		t.Errorf("restored read ts %d", r.ReadTs())
	}
	if _, ok := r.Get(DocKey("ns", "2"), r.ReadTs()); ok {
		t.Errorf("deleted doc restored")
	}
	rec, ok := r.Get(DocKey("ns", "\x00bin"), r.ReadTs())
	if !ok || !bytes.Equal(rec.Value, []byte{0, 1, 2}) || rec.Version != 3 {
		t.Errorf("binary key: %+v %v", rec, ok)
	}
	rec, ok = r.Get(DocKey("ns", "1"), r.ReadTs())
	if !ok || rec.Version != 1 {
		t.Errorf("version not preserved: %+v", rec)
	}

	if err := r.RestoreSnapshot(data[:len(data)-1]); err == nil {
		t.Errorf("truncated snapshot accepted")
	}
}
