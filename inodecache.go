package lsfs

import (
	"container/list"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"
)

// CacheEntry is the decoded, in-memory form of an inode (§3 "Inode cache
// entry"): the disk record, its location at read time, cached map
// version, reference count, dirty flag, and a per-entry mutex guarding
// the mutable fields, mirroring the per-entry locking the concurrency
// model requires.
type CacheEntry struct {
	mu sync.Mutex

	ino      uint32
	disk     DiskInode
	location uint64
	version  uint32
	refcnt   int
	dirty    bool
	deleted  bool
}

func (e *CacheEntry) Ino() uint32 { return e.ino }

// Disk returns a copy of the decoded on-disk record. Callers that mutate
// fields take e.mu, change e.disk directly, and set e.dirty.
func (e *CacheEntry) Disk() DiskInode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disk
}

// InodeCache is the hash-and-LRU in-memory decoded-inode cache of §4.5.
type InodeCache struct {
	mu       sync.Mutex
	byIno    map[uint32]*list.Element
	lru      *list.List
	capacity int

	pool   *BufferPool
	imap   *InodeMap
	writer *SegmentWriter
	tbl    *SegmentTable
	log    *log.Logger

	decInodeCount func()
	incInodeCount func()
}

// NewInodeCache wires the cache to its collaborators: the buffer pool
// (metadata reads), the inode map (location lookups), and the segment
// writer plus segment table (write-back and dead-block accounting).
func NewInodeCache(pool *BufferPool, imap *InodeMap, writer *SegmentWriter, tbl *SegmentTable, capacity int, l *log.Logger) *InodeCache {
	if capacity <= 0 {
		capacity = 1024
	}
	if l == nil {
		l = log.Default()
	}
	return &InodeCache{
		byIno:    make(map[uint32]*list.Element, capacity),
		lru:      list.New(),
		capacity: capacity,
		pool:     pool,
		imap:     imap,
		writer:   writer,
		tbl:      tbl,
		log:      l,
	}
}

// Get returns a referenced cache entry for ino, filling from disk on miss
// (§4.5 get()).
func (c *InodeCache) Get(ino uint32) (*CacheEntry, error) {
	c.mu.Lock()
	if el, ok := c.byIno[ino]; ok {
		e := el.Value.(*CacheEntry)
		e.mu.Lock()
		e.refcnt++
		e.mu.Unlock()
		c.lru.MoveToFront(el)
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	location, version, err := c.imap.Get(ino)
	if err != nil {
		return nil, err
	}

	buf, err := c.pool.Get(location)
	if err != nil {
		return nil, err
	}
	data := buf.data
	c.pool.Put(buf)

	slot := int(ino % InodesPerBlock)
	off := slot * InodeSize
	var disk DiskInode
	if err := disk.UnmarshalBinary(data[off : off+InodeSize]); err != nil {
		return nil, err
	}
	if disk.Ino != ino {
		return nil, newErr("inodecache.get", KindCorrupt, fmt.Errorf("inode %d at %d decodes as %d", ino, location, disk.Ino))
	}

	e := &CacheEntry{ino: ino, disk: disk, location: location, version: version, refcnt: 1}
	c.install(ino, e)
	return e, nil
}

func (c *InodeCache) install(ino uint32, e *CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru.Len() >= c.capacity {
		c.evictLocked()
	}
	el := c.lru.PushFront(e)
	c.byIno[ino] = el
}

// evictLocked scans from the back of the LRU for the first entry with
// refcnt 0, writing it back first if dirty (§4.5 "Eviction").
func (c *InodeCache) evictLocked() {
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*CacheEntry)
		e.mu.Lock()
		if e.refcnt != 0 {
			e.mu.Unlock()
			continue
		}
		dirty := e.dirty && !e.deleted
		e.mu.Unlock()
		if dirty {
			// a failed write-back keeps the entry resident and dirty, so a
			// later eviction retries it; the scan moves on to older entries.
			if err := c.writeBack(e); err != nil {
				c.log.Printf("lsfs: inode cache: write-back of inode %d: %s", e.ino, err)
				continue
			}
		}
		c.lru.Remove(el)
		delete(c.byIno, e.ino)
		return
	}
	// nothing evictable: let the cache grow past capacity rather than
	// fail the caller; capacity is a target, not a hard ceiling.
}

// Put drops one reference on e.
func (c *InodeCache) Put(e *CacheEntry) {
	e.mu.Lock()
	if e.refcnt > 0 {
		e.refcnt--
	}
	e.mu.Unlock()
}

// Alloc obtains a new identifier and installs a fresh dirty entry (§4.5
// alloc()).
func (c *InodeCache) Alloc(mode uint32, uid, gid uint32) (*CacheEntry, error) {
	ino, err := c.imap.AllocIdentifier()
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixNano()
	e := &CacheEntry{
		ino: ino,
		disk: DiskInode{
			Ino: ino, Mode: mode, Uid: uid, Gid: gid,
			Atime: now, Mtime: now, Ctime: now,
			NLink: 1, Generation: rand.Uint64(),
		},
		refcnt: 1,
		dirty:  true,
	}
	c.install(ino, e)
	if c.incInodeCount != nil {
		c.incInodeCount()
	}
	return e, nil
}

// MarkDirty flags e for write-back. It takes e.mu itself, so the caller
// must not hold it.
func (c *InodeCache) MarkDirty(e *CacheEntry) {
	e.mu.Lock()
	e.dirty = true
	e.mu.Unlock()
}

func (c *InodeCache) writeBack(e *CacheEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.writeLocked(e)
}

// Write appends e's 256-byte inode record to the log in a full block
// (other 15 slots zero, per §4.5's explicit non-grouping), marks the
// previous location dead, and updates the inode map (§4.5 write()).
func (c *InodeCache) Write(e *CacheEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.writeLocked(e)
}

func (c *InodeCache) writeLocked(e *CacheEntry) error {
	block := make([]byte, BlockSize)
	enc, err := e.disk.MarshalBinary()
	if err != nil {
		return err
	}
	off := int(e.ino%InodesPerBlock) * InodeSize
	copy(block[off:off+InodeSize], enc)

	addr, err := c.writer.Append(block, e.ino, 0, BlockInode)
	if err != nil {
		return err
	}
	if e.location != 0 {
		c.tbl.MarkDeadAddr(e.location)
	}
	c.imap.Set(e.ino, addr)
	e.location = addr
	e.version++
	e.dirty = false
	return nil
}

// Free marks every referenced block dead, removes the inode-map entry,
// and flags the entry deleted (§4.5 free()). The cache entry itself
// stays resident until the LRU reaps it.
func (c *InodeCache) Free(e *CacheEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range e.disk.Direct {
		c.tbl.MarkDeadAddr(p)
	}
	c.tbl.MarkDeadAddr(e.disk.Indirect)
	c.tbl.MarkDeadAddr(e.disk.DIndirect)
	c.tbl.MarkDeadAddr(e.location)

	c.imap.Remove(e.ino)
	e.deleted = true
	e.dirty = false
	if c.decInodeCount != nil {
		c.decInodeCount()
	}
	return nil
}

// --- Block-address resolution (§4.5) ---

// ReadBlockAt resolves data block index b of e, reading through the
// buffer pool. A zero pointer (sparse) reads as a zero-filled block.
func (c *InodeCache) ReadBlockAt(e *CacheEntry, b uint32) ([]byte, error) {
	e.mu.Lock()
	addr, err := c.blockPointerLocked(e, b)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]byte, BlockSize)
	if addr == 0 {
		return out, nil // sparse hole
	}
	buf, err := c.pool.Get(addr)
	if err != nil {
		return nil, err
	}
	copy(out, buf.data[:])
	c.pool.Put(buf)
	return out, nil
}

// blockPointerLocked implements the address resolution table of §4.5.
// Caller holds e.mu.
func (c *InodeCache) blockPointerLocked(e *CacheEntry, b uint32) (uint64, error) {
	const P = PointersPerBlock
	switch {
	case b < DirectPointers:
		return e.disk.Direct[b], nil
	case uint64(b) < DirectPointers+P:
		if e.disk.Indirect == 0 {
			return 0, nil
		}
		buf, err := c.pool.Get(e.disk.Indirect)
		if err != nil {
			return 0, err
		}
		idx := b - DirectPointers
		ptr := readPointer(buf.data[:], int(idx))
		c.pool.Put(buf)
		return ptr, nil
	case uint64(b) < DirectPointers+P+P*P:
		if e.disk.DIndirect == 0 {
			return 0, nil
		}
		rel := uint64(b) - DirectPointers - P
		l1idx := rel / P
		l2idx := rel % P
		buf1, err := c.pool.Get(e.disk.DIndirect)
		if err != nil {
			return 0, err
		}
		l2block := readPointer(buf1.data[:], int(l1idx))
		c.pool.Put(buf1)
		if l2block == 0 {
			return 0, nil
		}
		buf2, err := c.pool.Get(l2block)
		if err != nil {
			return 0, err
		}
		ptr := readPointer(buf2.data[:], int(l2idx))
		c.pool.Put(buf2)
		return ptr, nil
	default:
		return 0, newErr("inodecache.resolve", KindInvalid, fmt.Errorf("block index %d out of range", b))
	}
}

// WriteBlockAt stores data (exactly BlockSize bytes) as block index b of
// e, appending through the segment writer and updating the owning
// pointer (direct, or indirect via read-modify-write; §4.5). Writes into
// the double-indirect region are not implemented (documented gap, §9) and
// fail with ErrNoSpace.
func (c *InodeCache) WriteBlockAt(e *CacheEntry, b uint32, data []byte) error {
	if len(data) != BlockSize {
		return newErr("inodecache.write", KindInvalid, fmt.Errorf("payload must be %d bytes", BlockSize))
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	const P = PointersPerBlock
	switch {
	case b < DirectPointers:
		addr, err := c.writer.Append(data, e.ino, b, BlockData)
		if err != nil {
			return err
		}
		if e.disk.Direct[b] != 0 {
			c.tbl.MarkDeadAddr(e.disk.Direct[b])
		}
		e.disk.Direct[b] = addr
		e.dirty = true
		return nil

	case uint64(b) < DirectPointers+P:
		idx := b - DirectPointers
		var indirect [BlockSize]byte
		if e.disk.Indirect != 0 {
			buf, err := c.pool.Get(e.disk.Indirect)
			if err != nil {
				return err
			}
			indirect = buf.data
			c.pool.Put(buf)
		}
		addr, err := c.writer.Append(data, e.ino, b, BlockData)
		if err != nil {
			return err
		}
		old := readPointer(indirect[:], int(idx))
		if old != 0 {
			c.tbl.MarkDeadAddr(old)
		}
		writePointer(indirect[:], int(idx), addr)

		newIndirectAddr, err := c.writer.Append(indirect[:], e.ino, b, BlockIndirect)
		if err != nil {
			return err
		}
		if e.disk.Indirect != 0 {
			c.tbl.MarkDeadAddr(e.disk.Indirect)
		}
		e.disk.Indirect = newIndirectAddr
		e.dirty = true
		return nil

	default:
		// double-indirect writes: documented gap, §9.
		return newErr("inodecache.write", KindNoSpace, fmt.Errorf("file exceeds %d blocks (double-indirect writes unimplemented)", MaxFileBlocksNoDoubleIndirect))
	}
}

// Truncate marks dead every direct/indirect block at or beyond newBlocks
// and marks the entry dirty; the caller updates the recorded size and
// block count.
func (c *InodeCache) Truncate(e *CacheEntry, newBlocks uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for b := newBlocks; b < DirectPointers && int(b) < len(e.disk.Direct); b++ {
		if e.disk.Direct[b] != 0 {
			c.tbl.MarkDeadAddr(e.disk.Direct[b])
			e.disk.Direct[b] = 0
		}
	}
	if newBlocks <= DirectPointers && e.disk.Indirect != 0 {
		c.tbl.MarkDeadAddr(e.disk.Indirect)
		e.disk.Indirect = 0
	}
	e.dirty = true
}

func readPointer(block []byte, idx int) uint64 {
	off := idx * 8
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(block[off+i]) << (8 * i)
	}
	return v
}

func writePointer(block []byte, idx int, v uint64) {
	off := idx * 8
	for i := 0; i < 8; i++ {
		block[off+i] = byte(v >> (8 * i))
	}
}
