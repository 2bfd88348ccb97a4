package lsfs

import (
	"container/list"
	"fmt"
	"log"
	"sync"
)

// BufferPool is the fixed-capacity, hash-indexed, LRU write-back cache of
// §4.2, sized for metadata readers sitting in front of a BlockDevice.
//
// The hash-chain + intrusive-LRU design of §9 is implemented here with
// the idiomatic Go equivalent: a map for the hash index and a
// container/list for LRU order, each buffer entry holding its own
// *list.Element so eviction is O(1).
type BufferPool struct {
	mu       sync.Mutex
	dev      *BlockDevice
	capacity int
	log      *log.Logger

	byBlock map[uint64]*list.Element // block number -> LRU element
	lru     *list.List               // front = most recently used
}

type poolEntry struct {
	block  uint64
	data   [BlockSize]byte
	valid  bool
	dirty  bool
	refcnt int
}

// NewBufferPool creates a pool of the given slot capacity over dev.
func NewBufferPool(dev *BlockDevice, capacity int, l *log.Logger) *BufferPool {
	if capacity <= 0 {
		capacity = 256
	}
	if l == nil {
		l = log.Default()
	}
	return &BufferPool{
		dev:      dev,
		capacity: capacity,
		log:      l,
		byBlock:  make(map[uint64]*list.Element, capacity),
		lru:      list.New(),
	}
}

// Get returns a reference-counted buffer for block n, reading it from the
// device on miss. The caller must call Put when done. Touches n to MRU.
func (p *BufferPool) Get(n uint64) (*poolEntry, error) {
	p.mu.Lock()
	if el, ok := p.byBlock[n]; ok {
		e := el.Value.(*poolEntry)
		e.refcnt++
		p.lru.MoveToFront(el)
		p.mu.Unlock()
		return e, nil
	}

	el, err := p.evictLocked()
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	e := el.Value.(*poolEntry)
	p.mu.Unlock()

	if err := p.dev.ReadBlock(n, e.data[:]); err != nil {
		p.mu.Lock()
		// leave the slot unassigned; it will be picked up by the next evictLocked
		e.valid = false
		e.refcnt = 0
		delete(p.byBlock, e.block)
		p.lru.MoveToBack(el)
		p.mu.Unlock()
		return nil, err
	}

	p.mu.Lock()
	e.block = n
	e.valid = true
	e.dirty = false
	e.refcnt = 1
	p.byBlock[n] = el
	p.lru.MoveToFront(el)
	p.mu.Unlock()
	return e, nil
}

// evictLocked finds a slot to (re)use: either growing the pool below
// capacity, or evicting the least-recently-used buffer with refcnt 0,
// writing it back first if dirty. Must be called with p.mu held; returns
// with p.mu still held.
func (p *BufferPool) evictLocked() (*list.Element, error) {
	if p.lru.Len() < p.capacity {
		e := &poolEntry{}
		return p.lru.PushBack(e), nil
	}

	for el := p.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*poolEntry)
		if e.refcnt != 0 {
			continue
		}
		if e.valid && e.dirty {
			// write back under the pool mutex released, since I/O may block;
			// the slot is already unreachable via byBlock removal below.
			delete(p.byBlock, e.block)
			data := e.data
			block := e.block
			p.mu.Unlock()
			err := p.dev.WriteBlock(block, data[:])
			p.mu.Lock()
			if err != nil {
				return nil, err
			}
		} else if e.valid {
			delete(p.byBlock, e.block)
		}
		e.valid = false
		e.dirty = false
		return el, nil
	}
	return nil, newErr("bufpool.get", KindNoMem, fmt.Errorf("no unreferenced buffer to evict (capacity %d)", p.capacity))
}

// Put drops one reference on a buffer previously returned by Get.
func (p *BufferPool) Put(e *poolEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.refcnt > 0 {
		e.refcnt--
	}
}

// MarkDirty flags a held buffer as needing write-back before eviction.
func (p *BufferPool) MarkDirty(e *poolEntry) {
	p.mu.Lock()
	e.dirty = true
	p.mu.Unlock()
}

// Flush writes back every dirty entry, in LRU order.
func (p *BufferPool) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for el := p.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*poolEntry)
		if e.valid && e.dirty {
			if err := p.dev.WriteBlock(e.block, e.data[:]); err != nil {
				return err
			}
			e.dirty = false
		}
	}
	return nil
}
