package lsfs

import (
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Checkpointer implements the alternating two-region checkpoint and
// crash recovery of §4.8. It shares the FS's global write-serialization
// mutex (see §5 lock ordering: write mutex before everything else).
type Checkpointer struct {
	writeMu *sync.Mutex
	dev     *BlockDevice
	imap    *InodeMap
	tbl     *SegmentTable
	writer  *SegmentWriter
	log     *log.Logger

	sbMu    sync.Mutex
	sb      *Superblock

	seqMu    sync.Mutex
	sequence uint64
}

// NewCheckpointer wires a checkpointer to its collaborators. seq is the
// sequence of the newest checkpoint already on disk: Mount passes the one
// recovery adopted (1 for a freshly formatted image).
func NewCheckpointer(writeMu *sync.Mutex, dev *BlockDevice, imap *InodeMap, tbl *SegmentTable, writer *SegmentWriter, sb *Superblock, seq uint64, l *log.Logger) *Checkpointer {
	if l == nil {
		l = log.Default()
	}
	return &Checkpointer{writeMu: writeMu, dev: dev, imap: imap, tbl: tbl, writer: writer, sb: sb, sequence: seq, log: l}
}

func regionHeaderBlock(idx uint32) uint64 {
	if idx == 0 {
		return Checkpoint0Start
	}
	return Checkpoint1Start
}

func regionMapStart(idx uint32) uint64 {
	return regionHeaderBlock(idx) + 1
}

func regionMapCapacityBlocks(idx uint32) uint64 {
	if idx == 0 {
		return Checkpoint0End - Checkpoint0Start
	}
	return Checkpoint1End - Checkpoint1Start
}

// Write runs the full commit protocol of §4.8 "Write protocol".
func (c *Checkpointer) Write() error {
	c.writeMu.Lock()
	if c.writer.HasPending() {
		c.writeMu.Unlock()
		if err := c.writer.Flush(); err != nil {
			return err
		}
		c.writeMu.Lock()
	}
	defer c.writeMu.Unlock()

	c.sbMu.Lock()
	active := c.sb.ActiveCheckpoint
	other := active ^ 1
	c.seqMu.Lock()
	c.sequence++
	seq := c.sequence
	c.seqMu.Unlock()
	logHead := c.writer.LogHead()
	c.sbMu.Unlock()

	entries := c.imap.Snapshot()
	segEntries := c.tbl.Snapshot()

	hdr := &checkpointHeader{
		Magic:           CheckpointMagic,
		Version:         CheckpointVersion,
		Sequence:        seq,
		Timestamp:       time.Now().Unix(),
		LogHead:         logHead,
		MapEntries:      uint32(len(entries)),
		SegTableEntries: uint32(len(segEntries)),
		Complete:        0,
	}

	if err := c.writeHeader(other, hdr); err != nil {
		return newErr("checkpoint.write", KindIO, err)
	}

	var g errgroup.Group
	g.Go(func() error { return c.writeMapRegion(other, entries) })
	g.Go(func() error { return c.writeSegTable(segEntries) })
	if err := g.Wait(); err != nil {
		// §7: io during checkpoint commit aborts without flipping the
		// active index, preserving the previous checkpoint.
		return newErr("checkpoint.write", KindIO, err)
	}

	if err := c.dev.Flush(); err != nil {
		return newErr("checkpoint.write", KindIO, err)
	}

	hdr.Complete = 1
	if err := c.writeHeader(other, hdr); err != nil {
		return newErr("checkpoint.write", KindIO, err)
	}
	if err := c.dev.Flush(); err != nil {
		return newErr("checkpoint.write", KindIO, err)
	}

	c.sbMu.Lock()
	c.sb.ActiveCheckpoint = other
	c.sb.FreeSegments = c.tbl.FreeCount()
	sbBytes, err := c.sb.MarshalBinary()
	c.sbMu.Unlock()
	if err != nil {
		return err
	}
	if err := c.dev.WriteBlock(SuperblockBlock, sbBytes); err != nil {
		return newErr("checkpoint.write", KindIO, err)
	}
	return nil
}

func (c *Checkpointer) writeHeader(region uint32, hdr *checkpointHeader) error {
	block := make([]byte, BlockSize)
	copy(block, marshalCheckpointHeader(hdr))
	return c.dev.WriteBlock(regionHeaderBlock(region), block)
}

func (c *Checkpointer) writeMapRegion(region uint32, entries []mapEntry) error {
	capacity := regionMapCapacityBlocks(region) * BlockSize
	raw := marshalEntries(entries)
	if uint64(len(raw)) > capacity {
		return fmt.Errorf("inode map (%d bytes) exceeds checkpoint region capacity (%d bytes)", len(raw), capacity)
	}
	padded := make([]byte, capacity)
	copy(padded, raw)
	return c.dev.WriteRange(regionMapStart(region), padded)
}

func (c *Checkpointer) writeSegTable(entries []segTableEntry) error {
	raw := make([]byte, len(entries)*segTableEntrySize)
	off := 0
	for _, e := range entries {
		raw[off] = byte(e.SegmentID)
		raw[off+1] = byte(e.SegmentID >> 8)
		raw[off+2] = byte(e.SegmentID >> 16)
		raw[off+3] = byte(e.SegmentID >> 24)
		raw[off+4] = byte(e.State)
		raw[off+5] = byte(uint32(e.State) >> 8)
		raw[off+6] = byte(uint32(e.State) >> 16)
		raw[off+7] = byte(uint32(e.State) >> 24)
		raw[off+8] = byte(e.Live)
		raw[off+9] = byte(e.Live >> 8)
		raw[off+10] = byte(e.Live >> 16)
		raw[off+11] = byte(e.Live >> 24)
		off += segTableEntrySize
	}
	capacity := (SegmentTableEnd - SegmentTableStart) * BlockSize
	if uint64(len(raw)) > capacity {
		return fmt.Errorf("segment table (%d bytes) exceeds its region (%d bytes)", len(raw), capacity)
	}
	padded := make([]byte, capacity)
	copy(padded, raw)
	return c.dev.WriteRange(SegmentTableStart, padded)
}

func parseSegTable(raw []byte, n int) []segTableEntry {
	out := make([]segTableEntry, n)
	off := 0
	for i := 0; i < n; i++ {
		id := uint32(raw[off]) | uint32(raw[off+1])<<8 | uint32(raw[off+2])<<16 | uint32(raw[off+3])<<24
		state := uint32(raw[off+4]) | uint32(raw[off+5])<<8 | uint32(raw[off+6])<<16 | uint32(raw[off+7])<<24
		live := uint32(raw[off+8]) | uint32(raw[off+9])<<8 | uint32(raw[off+10])<<16 | uint32(raw[off+11])<<24
		out[i] = segTableEntry{SegmentID: id, State: segmentState(state), Live: live}
		off += segTableEntrySize
	}
	return out
}

// RecoveryResult carries the state Recover() reconstructs for Mount to adopt.
type RecoveryResult struct {
	ActiveRegion uint32
	Sequence     uint64
	Timestamp    int64
	LogHead      uint64
	InodeMap     []mapEntry
	SegTable     []segTableEntry
}

// Recover implements §4.8 "Recovery": pick the valid checkpoint with the
// higher sequence, load its inode map, then roll forward through segments
// written after it.
func Recover(dev *BlockDevice, l *log.Logger) (*RecoveryResult, error) {
	if l == nil {
		l = log.Default()
	}
	h0, err := readHeader(dev, 0)
	if err != nil {
		return nil, err
	}
	h1, err := readHeader(dev, 1)
	if err != nil {
		return nil, err
	}

	var region uint32
	var hdr *checkpointHeader
	switch {
	case h0.valid() && h1.valid():
		if h1.Sequence > h0.Sequence {
			region, hdr = 1, h1
		} else {
			region, hdr = 0, h0
		}
	case h0.valid():
		region, hdr = 0, h0
	case h1.valid():
		region, hdr = 1, h1
	default:
		return nil, newErr("recover", KindCorrupt, fmt.Errorf("no valid checkpoint"))
	}

	mapCapacity := regionMapCapacityBlocks(region) * BlockSize
	mapBuf := make([]byte, mapCapacity)
	if err := dev.ReadRange(regionMapStart(region), mapBuf); err != nil {
		return nil, newErr("recover", KindIO, err)
	}
	entries := unmarshalEntries(mapBuf, int(hdr.MapEntries))

	segCapacity := (SegmentTableEnd - SegmentTableStart) * BlockSize
	segBuf := make([]byte, segCapacity)
	if err := dev.ReadRange(SegmentTableStart, segBuf); err != nil {
		return nil, newErr("recover", KindIO, err)
	}
	segTable := parseSegTable(segBuf, int(hdr.SegTableEntries))

	imapByIno := make(map[uint32]int, len(entries))
	for i, e := range entries {
		imapByIno[e.Ino] = i
	}

	logHead := hdr.LogHead
	segStart := segmentOf(logHead)
	nsegs := uint32(len(segTable))

	for id := segStart; id < nsegs; id++ {
		buf := make([]byte, BlockSize)
		if err := dev.ReadBlock(segmentStart(id), buf); err != nil {
			break
		}
		h, infos, err := unmarshalSegmentHeader(buf)
		if err != nil || h.Timestamp < hdr.Timestamp {
			break
		}
		for i, bi := range infos {
			if bi.Inode == 0 {
				continue
			}
			if bi.Type == BlockInode {
				addr := segmentStart(id) + uint64(i) + 1
				if idx, ok := imapByIno[bi.Inode]; ok {
					entries[idx].Location = addr
					entries[idx].Version++
				} else {
					imapByIno[bi.Inode] = len(entries)
					entries = append(entries, mapEntry{Ino: bi.Inode, Version: 1, Location: addr})
				}
			}
		}
		segTable[id].State = segFull
		segTable[id].Live = h.UsedBlocks - 1
		segTable[id].Timestamp = h.Timestamp
		logHead = segmentStart(id) + uint64(h.UsedBlocks)
	}

	l.Printf("lsfs: recovery: adopted checkpoint region %d seq %d, log head %d", region, hdr.Sequence, logHead)

	return &RecoveryResult{
		ActiveRegion: region,
		Sequence:     hdr.Sequence,
		Timestamp:    hdr.Timestamp,
		LogHead:      logHead,
		InodeMap:     entries,
		SegTable:     segTable,
	}, nil
}

func readHeader(dev *BlockDevice, region uint32) (*checkpointHeader, error) {
	buf := make([]byte, BlockSize)
	if err := dev.ReadBlock(regionHeaderBlock(region), buf); err != nil {
		return nil, newErr("recover", KindIO, err)
	}
	return unmarshalCheckpointHeader(buf[:checkpointHeaderSize]), nil
}
