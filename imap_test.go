package lsfs

import "testing"

func TestInodeMapSetGetRemove(t *testing.T) {
	m := NewInodeMap()

	if _, _, err := m.Get(2); KindOf(err) != KindNotExist {
		t.Fatalf("get on empty map: got %v", err)
	}

	m.Set(5, 2000)
	loc, ver, err := m.Get(5)
	if err != nil || loc != 2000 || ver != 1 {
		t.Fatalf("get(5) = (%d, %d, %v), want (2000, 1, nil)", loc, ver, err)
	}

	m.Set(5, 3000)
	loc, ver, err = m.Get(5)
	if err != nil || loc != 3000 || ver != 2 {
		t.Fatalf("get(5) after update = (%d, %d, %v), want (3000, 2, nil)", loc, ver, err)
	}

	m.Remove(5)
	if _, _, err := m.Get(5); KindOf(err) != KindNotExist {
		t.Fatalf("get after remove: got %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", m.Len())
	}
}

func TestInodeMapOrderingAndLen(t *testing.T) {
	m := NewInodeMap()
	for _, ino := range []uint32{30, 10, 20} {
		m.Set(ino, uint64(ino)*100)
	}
	if m.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", m.Len())
	}
	snap := m.Snapshot()
	for i := 1; i < len(snap); i++ {
		if snap[i-1].Ino >= snap[i].Ino {
			t.Fatalf("snapshot not sorted ascending: %+v", snap)
		}
	}
}

func TestInodeMapAllocIdentifier(t *testing.T) {
	m := NewInodeMap()
	first, err := m.AllocIdentifier()
	if err != nil {
		t.Fatalf("alloc: %s", err)
	}
	second, err := m.AllocIdentifier()
	if err != nil {
		t.Fatalf("alloc: %s", err)
	}
	if second != first+1 {
		t.Fatalf("expected monotonic allocation, got %d then %d", first, second)
	}
}

func TestInodeMapMarshalRoundTrip(t *testing.T) {
	entries := []mapEntry{
		{Ino: 2, Version: 1, Location: 2000},
		{Ino: 5, Version: 3, Location: 5000},
	}
	buf := marshalEntries(entries)
	got := unmarshalEntries(buf, len(entries))
	if len(got) != 2 || got[0] != entries[0] || got[1] != entries[1] {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, entries)
	}
}

func TestInodeMapLoadFrom(t *testing.T) {
	m := NewInodeMap()
	m.LoadFrom([]mapEntry{
		{Ino: 50, Version: 1, Location: 1000},
		{Ino: 7, Version: 1, Location: 2000},
	})
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
	loc, _, err := m.Get(50)
	if err != nil || loc != 1000 {
		t.Fatalf("get(50) = (%d, %v)", loc, err)
	}
	next, err := m.AllocIdentifier()
	if err != nil || next != 51 {
		t.Fatalf("AllocIdentifier after load = (%d, %v), want 51", next, err)
	}
}
