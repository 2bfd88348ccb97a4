package lsfs

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// FS is the mounted log-structured filesystem instance: the top-level
// object wiring block I/O, buffer pool, inode map, segment writer, inode
// cache, checkpointer and cleaner together, and exposing the upward
// interface of §6.
type FS struct {
	log *log.Logger

	bufPoolSize       int
	inodeCacheSize    int
	checkpointBlocks  uint32
	checkpointSeconds int64
	cleanerLow        float64
	cleanerHigh       float64
	readOnly          bool

	path string
	dev  *BlockDevice

	writeMu sync.Mutex // global write-serialization mutex, §5 lock ordering

	sbMu sync.Mutex
	sb   *Superblock

	pool         *BufferPool
	imap         *InodeMap
	tbl          *SegmentTable
	writer       *SegmentWriter
	cache        *InodeCache
	checkpointer *Checkpointer
	cleaner      *Cleaner

	cleanerWG sync.WaitGroup
}

// Attr is the subset of inode metadata the attachment layer needs for
// getattr/setattr (§6).
type Attr struct {
	Ino   uint32
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Size  uint64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
	NLink uint32
}

// StatfsInfo is the summary returned by Statfs (§6).
type StatfsInfo struct {
	BlockSize     uint32
	TotalBlocks   uint64
	FreeBlocks    uint64
	TotalInodes   uint32
	FreeSegments  uint32
	TotalSegments uint32
}

// Format writes a fresh image to path per §6 "Format utility": a
// superblock, a single full segment 0 holding the root inode and its
// directory block, checkpoint region 0 valid at sequence 1, region 1
// zeroed, and a segment table with segment 0 full and the rest free.
func Format(path string, totalBlocks uint64) error {
	nsegs := (totalBlocks - LogStart) / SegmentSize
	if nsegs < MinSegments {
		return newErr("format", KindInvalid, fmt.Errorf("image too small for %d segments (minimum %d)", nsegs, MinSegments))
	}
	if nsegs > MaxSegments {
		return newErr("format", KindInvalid, fmt.Errorf("image too large: %d segments (maximum %d)", nsegs, MaxSegments))
	}

	size := int64(totalBlocks) * BlockSize
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return newErr("format", KindIO, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return newErr("format", KindIO, err)
	}
	f.Close()

	dev, err := OpenBlockDevice(path, totalBlocks, false)
	if err != nil {
		return err
	}
	defer dev.Close()

	tbl := NewSegmentTable(int(nsegs))
	now := time.Now().Unix()

	// Build segment 0 in memory: root inode at log_start+1, its directory
	// data at log_start+2.
	rootDisk := DiskInode{
		Ino: RootIno, Mode: 0040755, NLink: 2,
		Atime: time.Now().UnixNano(), Mtime: time.Now().UnixNano(), Ctime: time.Now().UnixNano(),
		Size: BlockSize, Blocks: 1,
	}
	rootDisk.Direct[0] = LogStart + 2

	rootInodeBlock := make([]byte, BlockSize)
	enc, err := rootDisk.MarshalBinary()
	if err != nil {
		return err
	}
	rootOff := int(RootIno%InodesPerBlock) * InodeSize
	copy(rootInodeBlock[rootOff:rootOff+InodeSize], enc)

	rootDirBlock := dirInit(RootIno, RootIno)

	buf := make([]byte, SegmentBytes)
	copy(buf[1*BlockSize:2*BlockSize], rootInodeBlock)
	copy(buf[2*BlockSize:3*BlockSize], rootDirBlock.bytes())

	infos := []blockInfo{
		{Inode: RootIno, Offset: 0, Type: BlockInode},
		{Inode: RootIno, Offset: 0, Type: BlockDirent},
	}
	h := &segmentHeader{Magic: SegmentMagic, SegmentID: 0, Timestamp: now, UsedBlocks: 3}
	copy(buf[0:BlockSize], marshalSegmentHeader(h, infos))

	if err := dev.WriteRange(LogStart, buf[:3*BlockSize]); err != nil {
		return err
	}
	tbl.entries[0] = segTableEntry{SegmentID: 0, State: segFull, Live: 2, Timestamp: now}
	for i := 1; i < int(nsegs); i++ {
		tbl.entries[i] = segTableEntry{SegmentID: uint32(i), State: segFree}
	}

	imap := NewInodeMap()
	imap.Set(RootIno, LogStart+1)

	sb := &Superblock{
		Magic: SuperblockMagic, Version: SuperblockVersion,
		BlockSz: BlockSize, SegmentBlocks: SegmentSize,
		TotalBlocks: totalBlocks, TotalSegments: uint32(nsegs),
		InodeCount: 1, Checkpoint0: Checkpoint0Start, Checkpoint1: Checkpoint1Start,
		ActiveCheckpoint: 0, LogHead: LogStart + 3,
		FreeSegments: uint32(nsegs) - 1,
		CreateTime:   now, LastMountTime: now, MountCount: 0, Dirty: 0,
	}

	cp := NewCheckpointer(&sync.Mutex{}, dev, imap, tbl, nil, sb, 0, log.Default())
	// Region 0 is written directly (bypassing the "other region" flip,
	// since there is no prior checkpoint yet) at sequence 1; region 1
	// stays zeroed (invalid), matching §6's format contract.
	hdr := &checkpointHeader{
		Magic: CheckpointMagic, Version: CheckpointVersion, Sequence: 1,
		Timestamp: now, LogHead: sb.LogHead, MapEntries: 1, SegTableEntries: uint32(nsegs), Complete: 0,
	}
	if err := cp.writeHeader(0, hdr); err != nil {
		return err
	}
	if err := cp.writeMapRegion(0, imap.Snapshot()); err != nil {
		return err
	}
	if err := cp.writeSegTable(tbl.Snapshot()); err != nil {
		return err
	}
	hdr.Complete = 1
	if err := cp.writeHeader(0, hdr); err != nil {
		return err
	}

	sbBytes, err := sb.MarshalBinary()
	if err != nil {
		return err
	}
	if err := dev.WriteBlock(SuperblockBlock, sbBytes); err != nil {
		return err
	}
	return dev.Flush()
}

// Mount opens path, recovers to a consistent state (§4.8 Recovery) and
// starts the background cleaner.
func Mount(path string, opts ...Option) (*FS, error) {
	fsys := &FS{
		log: log.Default(), bufPoolSize: 256, inodeCacheSize: 1024,
		checkpointBlocks: 100, checkpointSeconds: 30,
		cleanerLow: 0.10, cleanerHigh: 0.20,
		path: path,
	}
	for _, o := range opts {
		if err := o(fsys); err != nil {
			return nil, err
		}
	}

	sbBuf := make([]byte, BlockSize)
	probe, err := os.Open(path)
	if err != nil {
		return nil, newErr("mount", KindIO, err)
	}
	fi, err := probe.Stat()
	if err != nil {
		probe.Close()
		return nil, newErr("mount", KindIO, err)
	}
	totalBlocks := uint64(fi.Size()) / BlockSize
	if _, err := probe.ReadAt(sbBuf, 0); err != nil {
		probe.Close()
		return nil, newErr("mount", KindIO, err)
	}
	probe.Close()

	var sb Superblock
	if err := sb.UnmarshalBinary(sbBuf); err != nil {
		return nil, newErr("mount", KindCorrupt, err)
	}

	dev, err := OpenBlockDevice(path, totalBlocks, fsys.readOnly)
	if err != nil {
		return nil, err
	}
	fsys.dev = dev
	fsys.sb = &sb

	result, err := Recover(dev, fsys.log)
	if err != nil {
		dev.Close()
		return nil, newErr("mount", KindCorrupt, err)
	}

	fsys.imap = NewInodeMap()
	fsys.imap.LoadFrom(result.InodeMap)
	fsys.tbl = NewSegmentTable(len(result.SegTable))
	fsys.tbl.LoadFrom(result.SegTable)
	fsys.sb.ActiveCheckpoint = result.ActiveRegion
	fsys.sb.LogHead = result.LogHead
	fsys.sb.FreeSegments = fsys.tbl.FreeCount()

	fsys.pool = NewBufferPool(dev, fsys.bufPoolSize, fsys.log)

	fsys.writer, err = NewSegmentWriter(dev, fsys.tbl, fsys.log, fsys.checkpointBlocks, fsys.checkpointSeconds)
	if err != nil {
		dev.Close()
		return nil, err
	}

	fsys.cache = NewInodeCache(fsys.pool, fsys.imap, fsys.writer, fsys.tbl, fsys.inodeCacheSize, fsys.log)
	fsys.cache.incInodeCount = func() {
		fsys.sbMu.Lock()
		fsys.sb.InodeCount++
		fsys.sbMu.Unlock()
	}
	fsys.cache.decInodeCount = func() {
		fsys.sbMu.Lock()
		if fsys.sb.InodeCount > 0 {
			fsys.sb.InodeCount--
		}
		fsys.sbMu.Unlock()
	}

	fsys.checkpointer = NewCheckpointer(&fsys.writeMu, dev, fsys.imap, fsys.tbl, fsys.writer, fsys.sb, result.Sequence, fsys.log)

	fsys.cleaner = NewCleaner(fsys.tbl, dev, fsys.imap, fsys.writer, fsys.cache, fsys.cleanerLow, fsys.cleanerHigh, fsys.log)
	fsys.writer.onNoFreeSegment = fsys.cleaner.Trigger
	fsys.writer.onCheckpointDue = func() {
		if err := fsys.checkpointer.Write(); err != nil {
			fsys.log.Printf("lsfs: checkpoint: %s", err)
		}
	}

	if !fsys.readOnly {
		fsys.cleanerWG.Add(1)
		go func() {
			defer fsys.cleanerWG.Done()
			fsys.cleaner.Run()
		}()

		// §4.8 step 5: collapse the replayed prefix immediately.
		if err := fsys.checkpointer.Write(); err != nil {
			fsys.log.Printf("lsfs: post-recovery checkpoint: %s", err)
		}
	}

	fsys.sb.MountCount++
	fsys.sb.LastMountTime = time.Now().Unix()

	return fsys, nil
}

// Close stops the cleaner, joins it, and writes a final checkpoint
// before releasing the backing device (§5 "Joining the cleaner is a
// precondition for final checkpoint").
func (fsys *FS) Close() error {
	if !fsys.readOnly {
		fsys.cleaner.Stop()
		fsys.cleanerWG.Wait()
		if err := fsys.writer.Flush(); err != nil {
			fsys.log.Printf("lsfs: close: final flush: %s", err)
		}
		if err := fsys.checkpointer.Write(); err != nil {
			fsys.log.Printf("lsfs: close: final checkpoint: %s", err)
		}
	}
	return fsys.dev.Close()
}

// Fsync is segment flush + block I/O flush (§6).
func (fsys *FS) Fsync() error {
	if err := fsys.writer.Flush(); err != nil {
		return err
	}
	return fsys.dev.Flush()
}

// Statfs reports filesystem-wide usage (§6).
func (fsys *FS) Statfs() StatfsInfo {
	fsys.sbMu.Lock()
	defer fsys.sbMu.Unlock()
	return StatfsInfo{
		BlockSize:     BlockSize,
		TotalBlocks:   fsys.sb.TotalBlocks,
		FreeBlocks:    uint64(fsys.tbl.FreeCount()) * SegmentSize,
		TotalInodes:   fsys.sb.InodeCount,
		FreeSegments:  fsys.tbl.FreeCount(),
		TotalSegments: fsys.sb.TotalSegments,
	}
}
