package lsfs

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// SegmentTable is the process-wide shared {segment id, state, live block
// count, timestamp} table of §3, persisted to its own dedicated region
// (blocks 513..1024).
type SegmentTable struct {
	mu      sync.Mutex
	entries []segTableEntry
}

// NewSegmentTable builds a table of n segments, all initially free; Format
// marks segment 0 full itself once it has written the root directory.
func NewSegmentTable(n int) *SegmentTable {
	t := &SegmentTable{entries: make([]segTableEntry, n)}
	for i := range t.entries {
		t.entries[i] = segTableEntry{SegmentID: uint32(i), State: segFree}
	}
	return t
}

func (t *SegmentTable) FreeCount() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n uint32
	for _, e := range t.entries {
		if e.State == segFree {
			n++
		}
	}
	return n
}

func (t *SegmentTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *SegmentTable) Snapshot() []segTableEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]segTableEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *SegmentTable) LoadFrom(entries []segTableEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append([]segTableEntry(nil), entries...)
}

// allocFreeLocked scans linearly for the first free segment, transitioning
// it to active (§4.4 "Segment allocation").
func (t *SegmentTable) allocFreeLocked() (uint32, bool) {
	for i := range t.entries {
		if t.entries[i].State == segFree {
			t.entries[i].State = segActive
			return t.entries[i].SegmentID, true
		}
	}
	return 0, false
}

// AllocFree is the exported, locked form of allocFreeLocked.
func (t *SegmentTable) AllocFree() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.allocFreeLocked()
	if !ok {
		return 0, newErr("segment.alloc", KindNoSpace, fmt.Errorf("no free segment"))
	}
	return id, nil
}

// MarkFull records a flushed segment's live-block count and timestamp and
// transitions it to full (§4.4 flush() step 3).
func (t *SegmentTable) MarkFull(id uint32, liveBlocks uint32, ts int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[id]
	e.State = segFull
	e.Live = liveBlocks
	e.Timestamp = ts
}

// MarkDead decrements a segment's live-block counter, clamped at zero
// (§4.7 "Dead-block accounting").
func (t *SegmentTable) MarkDead(segID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[segID]
	if e.Live > 0 {
		e.Live--
	}
}

// MarkDeadAddr is mark_dead(absolute_address) from §4.7: every overwrite
// or logical delete invokes this for each supplanted address.
func (t *SegmentTable) MarkDeadAddr(addr uint64) {
	if addr == 0 {
		return
	}
	t.MarkDead(segmentOf(addr))
}

// segmentOf returns the segment id owning absolute block address addr.
func segmentOf(addr uint64) uint32 {
	return uint32((addr - LogStart) / SegmentSize)
}

func segmentStart(id uint32) uint64 {
	return LogStart + uint64(id)*SegmentSize
}

// Get returns a copy of the table entry for id.
func (t *SegmentTable) Get(id uint32) segTableEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[id]
}

// transition moves a segment from `from` to `to` under the table lock,
// returning false if the segment isn't in `from` (the §4.7 state machine).
func (t *SegmentTable) transition(id uint32, from, to segmentState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[id].State != from {
		return false
	}
	t.entries[id].State = to
	return true
}

// SegmentWriter owns the single in-flight segment write buffer of §4.4:
// one active 4 MiB buffer plus its parallel block_info sidecar. The
// writer bypasses the buffer pool entirely (§2).
type SegmentWriter struct {
	mu  sync.Mutex
	dev *BlockDevice
	tbl *SegmentTable
	log *log.Logger

	segmentID uint32
	buf       []byte // SegmentBytes, slot 0 reserved for the summary
	infos     []blockInfo
	used      int // blocks occupied, including slot 0

	// onNoFreeSegment/onCheckpointDue are set by FS to wire in cleaner-trigger and
	// checkpoint-policy side effects without this file importing FS.
	onNoFreeSegment func()
	onCheckpointDue func()

	blocksSinceCheckpoint uint32
	lastCheckpoint        time.Time

	checkpointBlocks  uint32
	checkpointSeconds int64
}

// NewSegmentWriter allocates a fresh active segment from tbl and prepares
// the in-memory buffer. checkpointBlocks/checkpointSeconds are the §4.8
// policy (i)/(ii) thresholds (0 adopts the defaults of 100 blocks / 30s).
func NewSegmentWriter(dev *BlockDevice, tbl *SegmentTable, l *log.Logger, checkpointBlocks uint32, checkpointSeconds int64) (*SegmentWriter, error) {
	if l == nil {
		l = log.Default()
	}
	if checkpointBlocks == 0 {
		checkpointBlocks = 100
	}
	if checkpointSeconds == 0 {
		checkpointSeconds = 30
	}
	w := &SegmentWriter{dev: dev, tbl: tbl, log: l, lastCheckpoint: time.Now(), checkpointBlocks: checkpointBlocks, checkpointSeconds: checkpointSeconds}
	id, err := tbl.AllocFree()
	if err != nil {
		return nil, err
	}
	w.resetBuffer(id)
	return w, nil
}

func (w *SegmentWriter) resetBuffer(id uint32) {
	w.segmentID = id
	w.buf = make([]byte, SegmentBytes)
	w.infos = w.infos[:0]
	w.used = 1 // slot 0 reserved for the summary
}

// Append copies data (exactly BlockSize bytes) into the active segment and
// returns its published absolute block address (§4.4 append()).
func (w *SegmentWriter) Append(data []byte, owningInode, intraOffset uint32, typ BlockType) (uint64, error) {
	if len(data) != BlockSize {
		return 0, newErr("segment.append", KindInvalid, fmt.Errorf("payload must be %d bytes", BlockSize))
	}
	if w.dev.readOnly {
		return 0, newErr("segment.append", KindInvalid, fmt.Errorf("device is read-only"))
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.used >= SegmentSize || len(w.infos) >= maxBlockInfoPerSegment {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}

	slot := w.used
	copy(w.buf[slot*BlockSize:(slot+1)*BlockSize], data)
	w.infos = append(w.infos, blockInfo{Inode: owningInode, Offset: intraOffset, Type: typ})
	w.used++

	addr := segmentStart(w.segmentID) + uint64(slot)
	return addr, nil
}

// Flush is the commit point of §4.4: it is exported so the checkpoint
// writer can force a partial segment out before writing a checkpoint.
func (w *SegmentWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// HasPending reports whether the buffer holds more than the reserved
// summary slot (§4.8 write protocol step 1).
func (w *SegmentWriter) HasPending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.used > 1
}

func (w *SegmentWriter) flushLocked() error {
	if w.used <= 1 {
		return nil // nothing but the reserved summary slot: no-op
	}
	id := w.segmentID
	used := uint32(w.used)
	ts := time.Now().Unix()

	h := &segmentHeader{Magic: SegmentMagic, SegmentID: id, Timestamp: ts, UsedBlocks: used}
	summary := marshalSegmentHeader(h, w.infos)
	copy(w.buf[0:BlockSize], summary)

	start := segmentStart(id)
	// Single contiguous write of summary + data, per the §4.4 ordering guarantee.
	if err := w.dev.WriteRange(start, w.buf[:int(used)*BlockSize]); err != nil {
		return err
	}

	liveBlocks := used - 1
	w.tbl.MarkFull(id, liveBlocks, ts)
	w.blocksSinceCheckpoint += used

	newID, err := w.tbl.AllocFree()
	if err != nil {
		w.log.Printf("lsfs: segment writer: no free segment, signalling cleaner")
		if w.onNoFreeSegment != nil {
			w.onNoFreeSegment()
		}
		newID, err = w.tbl.AllocFree()
		if err != nil {
			return err
		}
	}
	w.resetBuffer(newID)

	if w.blocksSinceCheckpoint >= w.checkpointBlocks || time.Since(w.lastCheckpoint) >= time.Duration(w.checkpointSeconds)*time.Second {
		w.blocksSinceCheckpoint = 0
		w.lastCheckpoint = time.Now()
		if w.onCheckpointDue != nil {
			w.onCheckpointDue()
		}
	}
	return nil
}

// SegmentID returns the currently-active segment's identifier.
func (w *SegmentWriter) SegmentID() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segmentID
}

// LogHead returns the absolute block address the next Append will land at
// if the active segment isn't rolled. Flushing does not update the
// superblock's LogHead field.
func (w *SegmentWriter) LogHead() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return segmentStart(w.segmentID) + uint64(w.used)
}
