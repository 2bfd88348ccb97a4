package lsfs

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// InodeMap is the sorted, densely packed inode-identifier index of §4.3:
// an owning, persistable vector that must insert, version and delete
// entries as the writable log evolves, not just grow as inodes are
// discovered on a read-only walk.
type InodeMap struct {
	mu      sync.RWMutex
	entries []mapEntry // sorted ascending by Ino
	nextIno uint32      // high-water mark for alloc
}

// NewInodeMap creates an empty map with the high-water mark seeded just
// above the root inode.
func NewInodeMap() *InodeMap {
	return &InodeMap{nextIno: RootIno + 1}
}

func (m *InodeMap) find(ino uint32) int {
	return sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Ino >= ino })
}

// Get returns the (location, version) of ino, or ErrNotExist.
func (m *InodeMap) Get(ino uint32) (location uint64, version uint32, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := m.find(ino)
	if i >= len(m.entries) || m.entries[i].Ino != ino {
		return 0, 0, newErr("imap.get", KindNotExist, fmt.Errorf("inode %d not mapped", ino))
	}
	e := m.entries[i]
	return e.Location, e.Version, nil
}

// Set creates or updates the mapping for ino. On overwrite the version is
// incremented; on create the version starts at 1 (§4.3).
func (m *InodeMap) Set(ino uint32, location uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(ino)
	if i < len(m.entries) && m.entries[i].Ino == ino {
		m.entries[i].Location = location
		m.entries[i].Version++
		return
	}
	e := mapEntry{Ino: ino, Version: 1, Location: location}
	m.entries = append(m.entries, mapEntry{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = e
}

// Remove deletes the mapping for ino, if present.
func (m *InodeMap) Remove(ino uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(ino)
	if i >= len(m.entries) || m.entries[i].Ino != ino {
		return
	}
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
}

// AllocIdentifier returns the next monotonic inode identifier. When the
// counter reaches the 16-bit limit it scans for the lowest free
// identifier above the root (§4.3).
func (m *InodeMap) AllocIdentifier() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nextIno < 1<<16 {
		ino := m.nextIno
		m.nextIno++
		return ino, nil
	}
	// scan for lowest free identifier above the root
	candidate := uint32(RootIno + 1)
	for _, e := range m.entries {
		if e.Ino > candidate {
			break
		}
		if e.Ino == candidate {
			candidate++
		}
	}
	if candidate >= 1<<16 {
		return 0, newErr("imap.alloc", KindNoSpace, fmt.Errorf("inode identifier space exhausted"))
	}
	return candidate, nil
}

// Len returns the number of live mappings.
func (m *InodeMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Snapshot returns a copy of the entries, for checkpoint persistence.
func (m *InodeMap) Snapshot() []mapEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]mapEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// marshalEntries packs entries into consecutive blocks for save(start_block).
func marshalEntries(entries []mapEntry) []byte {
	buf := make([]byte, len(entries)*mapEntrySize)
	off := 0
	for _, e := range entries {
		binary.LittleEndian.PutUint32(buf[off:], e.Ino)
		binary.LittleEndian.PutUint32(buf[off+4:], e.Version)
		binary.LittleEndian.PutUint64(buf[off+8:], e.Location)
		off += mapEntrySize
	}
	return buf
}

func unmarshalEntries(buf []byte, count int) []mapEntry {
	entries := make([]mapEntry, count)
	off := 0
	for i := 0; i < count; i++ {
		entries[i] = mapEntry{
			Ino:      binary.LittleEndian.Uint32(buf[off:]),
			Version:  binary.LittleEndian.Uint32(buf[off+4:]),
			Location: binary.LittleEndian.Uint64(buf[off+8:]),
		}
		off += mapEntrySize
	}
	return entries
}

// LoadFrom replaces the map's contents and re-initializes the high-water
// mark to max(identifier)+1, per §4.3 load().
func (m *InodeMap) LoadFrom(entries []mapEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append([]mapEntry(nil), entries...)
	sort.Slice(m.entries, func(i, j int) bool { return m.entries[i].Ino < m.entries[j].Ino })
	hi := uint32(RootIno)
	for _, e := range m.entries {
		if e.Ino > hi {
			hi = e.Ino
		}
	}
	m.nextIno = hi + 1
}
