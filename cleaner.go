package lsfs

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	cleanerWakeInterval = 5 * time.Second
	cleanerMaxUtil       = 0.5
	cleanerMaxPerPass    = 5
	cleanerCopyWorkers   = 4
)

// Cleaner is the background garbage collector of §4.7: it wakes
// periodically (or on explicit trigger), picks full segments by
// cost-benefit score, copies their surviving blocks to the log head, and
// returns emptied segments to the free pool.
//
// Modeled per §9 "Background cleaner": one worker with a mailbox
// (condition variable equivalent) and an explicit stop flag.
type Cleaner struct {
	tbl    *SegmentTable
	dev    *BlockDevice
	imap   *InodeMap
	writer *SegmentWriter
	cache  *InodeCache
	log    *log.Logger

	low, high float64

	// sem bounds how many live-block copies of one selected segment run
	// concurrently, per the DOMAIN STACK wiring of golang.org/x/sync/semaphore.
	sem *semaphore.Weighted

	mu     sync.Mutex
	cond   *sync.Cond
	woken  bool
	stopped bool

	onFreeChanged func(free uint32)
}

// NewCleaner wires a cleaner to its collaborators. low/high are the
// free-segment ratios that start and stop a pass (defaults 0.10/0.20).
func NewCleaner(tbl *SegmentTable, dev *BlockDevice, imap *InodeMap, writer *SegmentWriter, cache *InodeCache, low, high float64, l *log.Logger) *Cleaner {
	if l == nil {
		l = log.Default()
	}
	if low <= 0 {
		low = 0.10
	}
	if high <= 0 {
		high = 0.20
	}
	c := &Cleaner{
		tbl: tbl, dev: dev, imap: imap, writer: writer, cache: cache,
		low: low, high: high, log: l,
		sem: semaphore.NewWeighted(cleanerCopyWorkers),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Trigger wakes the cleaner immediately, used when the segment writer has
// no free segment to allocate (§4.4 flush() step 5).
func (c *Cleaner) Trigger() {
	c.mu.Lock()
	c.woken = true
	c.cond.Signal()
	c.mu.Unlock()
}

// Stop signals the cleaner to exit. It finishes its current segment (if
// any) before observing the flag (§5 "Cancellation").
func (c *Cleaner) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.cond.Signal()
	c.mu.Unlock()
}

// Run is the cleaner's main loop; call it in its own goroutine. It
// returns once Stop has been observed.
func (c *Cleaner) Run() {
	for {
		c.mu.Lock()
		if !c.woken && !c.stopped {
			timer := time.AfterFunc(cleanerWakeInterval, func() {
				c.mu.Lock()
				c.cond.Broadcast()
				c.mu.Unlock()
			})
			c.cond.Wait()
			timer.Stop()
		}
		stopped := c.stopped
		c.woken = false
		c.mu.Unlock()

		if stopped {
			return
		}

		total := c.tbl.Len()
		if total == 0 {
			continue
		}
		ratio := float64(c.tbl.FreeCount()) / float64(total)
		if ratio < c.low {
			c.RunPass()
		}
	}
}

// RunPass cleans segments until the free ratio reaches `high` or
// cleanerMaxPerPass segments have been cleaned, whichever first (§4.7
// Policy). Once Stop has been called it starts no further segment.
func (c *Cleaner) RunPass() {
	total := c.tbl.Len()
	cleaned := 0
	for cleaned < cleanerMaxPerPass {
		c.mu.Lock()
		stopped := c.stopped
		c.mu.Unlock()
		if stopped {
			return
		}
		if total == 0 {
			return
		}
		if float64(c.tbl.FreeCount())/float64(total) >= c.high {
			return
		}
		id, ok := c.selectSegment()
		if !ok {
			return
		}
		if err := c.cleanSegment(id); err != nil {
			c.log.Printf("lsfs: cleaner: segment %d: %s", id, err)
			return
		}
		cleaned++
		if c.onFreeChanged != nil {
			c.onFreeChanged(c.tbl.FreeCount())
		}
	}
}

// selectSegment scans full segments under the table mutex and picks the
// one maximizing age*(1-u)/(1+u), skipping any with u > 0.5 (§4.7
// Selection). Ties break on lowest segment identifier encountered first,
// which falls out of scanning in ascending id order with a strict `>`.
func (c *Cleaner) selectSegment() (uint32, bool) {
	snap := c.tbl.Snapshot()
	now := time.Now().Unix()
	best := -2.0
	bestID := uint32(0)
	found := false
	for _, e := range snap {
		if e.State != segFull {
			continue
		}
		u := float64(e.Live) / float64(SegmentSize-1)
		if u > cleanerMaxUtil {
			continue
		}
		age := float64(now - e.Timestamp)
		var score float64
		if u >= 1 {
			score = -1
		} else {
			score = age * (1 - u) / (1 + u)
		}
		if score > best {
			best = score
			bestID = e.SegmentID
			found = true
		}
	}
	return bestID, found
}

// cleanSegment implements §4.7 "Cleaning".
func (c *Cleaner) cleanSegment(id uint32) error {
	if !c.tbl.transition(id, segFull, segCleaning) {
		return nil // raced with another cleaner pass; skip
	}

	e := c.tbl.Get(id)
	if e.Live == 0 {
		c.freeSegment(id)
		return nil
	}

	scratch := make([]byte, SegmentBytes)
	if err := c.dev.ReadRange(segmentStart(id), scratch); err != nil {
		c.tbl.transition(id, segCleaning, segFull)
		return err
	}
	h, infos, err := unmarshalSegmentHeader(scratch[:BlockSize])
	if err != nil {
		c.tbl.transition(id, segCleaning, segFull)
		return err
	}
	_ = h

	ctx := context.Background()
	var wg sync.WaitGroup
	var firstErr error
	var errMu sync.Mutex

	for i, bi := range infos {
		if bi.Inode == 0 {
			continue
		}
		addr := segmentStart(id) + uint64(i) + 1
		blockCopy := make([]byte, BlockSize)
		copy(blockCopy, scratch[(i+1)*BlockSize:(i+2)*BlockSize])

		if err := c.sem.Acquire(ctx, 1); err != nil {
			errMu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			errMu.Unlock()
			continue
		}
		wg.Add(1)
		go func(i int, bi blockInfo, addr uint64, data []byte) {
			defer wg.Done()
			defer c.sem.Release(1)
			if err := c.copyIfLive(bi, addr, data); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}(i, bi, addr, blockCopy)
	}
	wg.Wait()

	if firstErr != nil {
		c.tbl.transition(id, segCleaning, segFull)
		return firstErr
	}

	c.freeSegment(id)
	return nil
}

// copyIfLive re-appends one block if it is still the address its owner
// references, per the §4.7 per-type liveness checks.
func (c *Cleaner) copyIfLive(bi blockInfo, addr uint64, data []byte) error {
	switch bi.Type {
	case BlockInode:
		loc, _, err := c.imap.Get(bi.Inode)
		if err != nil || loc != addr {
			return nil // dead
		}
		newAddr, err := c.writer.Append(data, bi.Inode, 0, BlockInode)
		if err != nil {
			return err
		}
		c.imap.Set(bi.Inode, newAddr)
		return nil

	case BlockData:
		if bi.Offset >= DirectPointers {
			// indirect/double-indirect-referenced data blocks: conservatively
			// treated as dead, the documented gap of §9.
			return nil
		}
		entry, err := c.cache.Get(bi.Inode)
		if err != nil {
			return nil // inode gone: block is dead
		}
		defer c.cache.Put(entry)

		entry.mu.Lock()
		live := entry.disk.Direct[bi.Offset] == addr
		entry.mu.Unlock()
		if !live {
			return nil
		}

		newAddr, err := c.writer.Append(data, bi.Inode, bi.Offset, BlockData)
		if err != nil {
			return err
		}
		entry.mu.Lock()
		entry.disk.Direct[bi.Offset] = newAddr
		entry.dirty = true
		entry.mu.Unlock()
		return nil

	default:
		return nil
	}
}

func (c *Cleaner) freeSegment(id uint32) {
	c.tbl.mu.Lock()
	c.tbl.entries[id].State = segFree
	c.tbl.entries[id].Live = 0
	c.tbl.mu.Unlock()
}
