package lsfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
)

// Fixed geometry constants (§3, §6). The design caps the image at 256
// segments of 4 MiB (~1 GiB); these are not configurable per file, they
// are the format.
const (
	BlockSize   = 4096
	SegmentSize = 1024 // blocks per segment
	SegmentBytes = SegmentSize * BlockSize

	MaxSegments = 256
	MinSegments = 4

	PointersPerBlock = BlockSize / 8 // P in §4.5 address resolution
	DirectPointers   = 12
	MaxFileBlocksNoDoubleIndirect = DirectPointers + PointersPerBlock

	InodesPerBlock = BlockSize / InodeSize
	InodeSize      = 256

	MaxNameLen = 255

	RootIno = 1

	SuperblockBlock = 0

	Checkpoint0Start = 1
	Checkpoint0End   = 256
	Checkpoint1Start = 257
	Checkpoint1End   = 512

	SegmentTableStart = 513
	SegmentTableEnd   = 1024

	LogStart = 1025

	SuperblockMagic  = 0x4C534653
	SuperblockVersion = 1

	SegmentMagic = 0x5345474D

	CheckpointMagic = 0x43484B50
	CheckpointVersion = 1
)

// BlockType is the owning-use tag stashed in a segment's block_info sidecar.
type BlockType uint8

const (
	BlockData BlockType = iota
	BlockInode
	BlockIndirect
	BlockDirent
)

func (t BlockType) String() string {
	switch t {
	case BlockData:
		return "data"
	case BlockInode:
		return "inode"
	case BlockIndirect:
		return "indirect"
	case BlockDirent:
		return "dirent"
	default:
		return fmt.Sprintf("BlockType(%d)", int(t))
	}
}

// segmentState is the per-segment lifecycle state of §3/§4.7.
type segmentState uint32

const (
	segFree segmentState = iota
	segActive
	segFull
	segCleaning
)

func (s segmentState) String() string {
	switch s {
	case segFree:
		return "free"
	case segActive:
		return "active"
	case segFull:
		return "full"
	case segCleaning:
		return "cleaning"
	default:
		return fmt.Sprintf("segmentState(%d)", int(s))
	}
}

// Superblock is block 0 of the image (§3). It is encoded by iterating
// exported fields with reflection — the set of persisted scalar fields
// below is fixed and ordered, so this stays safe.
type Superblock struct {
	Magic            uint32
	Version          uint32
	BlockSz          uint32
	SegmentBlocks    uint32
	TotalBlocks      uint64
	TotalSegments    uint32
	InodeCount       uint32
	Checkpoint0      uint64
	Checkpoint1      uint64
	ActiveCheckpoint uint32
	LogHead          uint64
	FreeSegments     uint32
	FSID             [16]byte
	CreateTime       int64
	LastMountTime    int64
	MountCount       uint32
	Dirty            uint32 // 0 = clean, 1 = dirty
	CRC              uint32 // reserved, written as zero; not checked on read
}

func (s *Superblock) binarySize() int {
	v := reflect.ValueOf(s).Elem()
	sz := 0
	for i := 0; i < v.NumField(); i++ {
		sz += int(v.Type().Field(i).Type.Size())
	}
	return sz
}

// MarshalBinary encodes the superblock into exactly BlockSize bytes.
func (s *Superblock) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	v := reflect.ValueOf(s).Elem()
	for i := 0; i < v.NumField(); i++ {
		if err := binary.Write(buf, binary.LittleEndian, v.Field(i).Interface()); err != nil {
			return nil, err
		}
	}
	out := make([]byte, BlockSize)
	copy(out, buf.Bytes())
	return out, nil
}

// UnmarshalBinary decodes a superblock from a BlockSize buffer.
func (s *Superblock) UnmarshalBinary(data []byte) error {
	magic := binary.LittleEndian.Uint32(data[:4])
	if magic != SuperblockMagic {
		return newErr("superblock.unmarshal", KindCorrupt, fmt.Errorf("bad magic %#x", magic))
	}
	r := bytes.NewReader(data)
	v := reflect.ValueOf(s).Elem()
	for i := 0; i < v.NumField(); i++ {
		if err := binary.Read(r, binary.LittleEndian, v.Field(i).Addr().Interface()); err != nil {
			return newErr("superblock.unmarshal", KindCorrupt, err)
		}
	}
	return nil
}

// segmentHeader is the first 4096-byte block of a segment (§3 "Segment").
type segmentHeader struct {
	Magic      uint32
	SegmentID  uint32
	Timestamp  int64
	UsedBlocks uint32
	CRC        uint32 // reserved, never computed
}

const segmentHeaderSize = 4 + 4 + 8 + 4 + 4 // 24 bytes

// blockInfo is one per-data-block sidecar record in the summary block.
type blockInfo struct {
	Inode  uint32
	Offset uint32
	Type   BlockType
	_      [3]byte // reserved
}

const blockInfoSize = 4 + 4 + 1 + 3 // 12 bytes

// maxBlockInfoPerSegment is how many block_info records fit after the
// segmentHeader within one 4096-byte summary block: (4096-24)/12 = 339.
const maxBlockInfoPerSegment = (BlockSize - segmentHeaderSize) / blockInfoSize

func marshalSegmentHeader(h *segmentHeader, infos []blockInfo) []byte {
	buf := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.SegmentID)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.Timestamp))
	binary.LittleEndian.PutUint32(buf[16:20], h.UsedBlocks)
	binary.LittleEndian.PutUint32(buf[20:24], h.CRC)

	off := segmentHeaderSize
	for _, bi := range infos {
		if off+blockInfoSize > BlockSize {
			break
		}
		binary.LittleEndian.PutUint32(buf[off:off+4], bi.Inode)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], bi.Offset)
		buf[off+8] = byte(bi.Type)
		off += blockInfoSize
	}
	return buf
}

func unmarshalSegmentHeader(buf []byte) (*segmentHeader, []blockInfo, error) {
	if len(buf) != BlockSize {
		return nil, nil, newErr("segment.unmarshal", KindInvalid, fmt.Errorf("short summary block"))
	}
	h := &segmentHeader{
		Magic:      binary.LittleEndian.Uint32(buf[0:4]),
		SegmentID:  binary.LittleEndian.Uint32(buf[4:8]),
		Timestamp:  int64(binary.LittleEndian.Uint64(buf[8:16])),
		UsedBlocks: binary.LittleEndian.Uint32(buf[16:20]),
		CRC:        binary.LittleEndian.Uint32(buf[20:24]),
	}
	if h.Magic != SegmentMagic {
		return h, nil, newErr("segment.unmarshal", KindCorrupt, fmt.Errorf("bad segment magic %#x", h.Magic))
	}
	if h.UsedBlocks == 0 || h.UsedBlocks > SegmentSize {
		return h, nil, newErr("segment.unmarshal", KindCorrupt, fmt.Errorf("used_block_count %d out of range", h.UsedBlocks))
	}
	n := int(h.UsedBlocks) - 1
	infos := make([]blockInfo, n)
	off := segmentHeaderSize
	for i := 0; i < n; i++ {
		if off+blockInfoSize > BlockSize {
			break
		}
		infos[i] = blockInfo{
			Inode:  binary.LittleEndian.Uint32(buf[off : off+4]),
			Offset: binary.LittleEndian.Uint32(buf[off+4 : off+8]),
			Type:   BlockType(buf[off+8]),
		}
		off += blockInfoSize
	}
	return h, infos, nil
}

// DiskInode is the on-disk 256-byte packed inode record (§3 "Inode").
type DiskInode struct {
	Ino        uint32
	Mode       uint32
	Uid        uint32
	Gid        uint32
	Size       uint64
	Blocks     uint64
	Atime      int64
	Mtime      int64
	Ctime      int64
	NLink      uint32
	Flags      uint32
	Direct     [DirectPointers]uint64
	Indirect   uint64
	DIndirect  uint64
	SymTarget  [64]byte
	Generation uint64
}

// MarshalBinary encodes a DiskInode field-by-field rather than a single
// struct blast, so variable-width regions (the inline symlink target)
// stay explicit.
func (d *DiskInode) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	fields := []any{
		d.Ino, d.Mode, d.Uid, d.Gid, d.Size, d.Blocks,
		d.Atime, d.Mtime, d.Ctime, d.NLink, d.Flags,
		d.Direct, d.Indirect, d.DIndirect, d.SymTarget, d.Generation,
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	out := make([]byte, InodeSize)
	copy(out, buf.Bytes())
	return out, nil
}

func (d *DiskInode) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	fields := []any{
		&d.Ino, &d.Mode, &d.Uid, &d.Gid, &d.Size, &d.Blocks,
		&d.Atime, &d.Mtime, &d.Ctime, &d.NLink, &d.Flags,
		&d.Direct, &d.Indirect, &d.DIndirect, &d.SymTarget, &d.Generation,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return newErr("inode.unmarshal", KindCorrupt, err)
		}
	}
	return nil
}

// mapEntry is one {identifier, version, location} triple of the inode map.
type mapEntry struct {
	Ino      uint32
	Version  uint32
	Location uint64
}

const mapEntrySize = 4 + 4 + 8

// segTableEntry is one entry of the segment table (§3 "Segment table").
type segTableEntry struct {
	SegmentID uint32
	State     segmentState
	Live      uint32
	_         uint32 // reserved
	Timestamp int64
}

const segTableEntrySize = 4 + 4 + 4 + 4 + 8

// checkpointHeader is the fixed header at the start of each checkpoint region.
type checkpointHeader struct {
	Magic         uint32
	Version       uint32
	Sequence      uint64
	Timestamp     int64
	LogHead       uint64
	MapEntries    uint32
	SegTableEntries uint32
	CRC           uint32
	Complete      uint32
}

const checkpointHeaderSize = 4 + 4 + 8 + 8 + 8 + 4 + 4 + 4 + 4

func marshalCheckpointHeader(h *checkpointHeader) []byte {
	buf := make([]byte, checkpointHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint64(buf[8:16], h.Sequence)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.Timestamp))
	binary.LittleEndian.PutUint64(buf[24:32], h.LogHead)
	binary.LittleEndian.PutUint32(buf[32:36], h.MapEntries)
	binary.LittleEndian.PutUint32(buf[36:40], h.SegTableEntries)
	binary.LittleEndian.PutUint32(buf[40:44], h.CRC)
	binary.LittleEndian.PutUint32(buf[44:48], h.Complete)
	return buf
}

func unmarshalCheckpointHeader(buf []byte) *checkpointHeader {
	return &checkpointHeader{
		Magic:           binary.LittleEndian.Uint32(buf[0:4]),
		Version:         binary.LittleEndian.Uint32(buf[4:8]),
		Sequence:        binary.LittleEndian.Uint64(buf[8:16]),
		Timestamp:       int64(binary.LittleEndian.Uint64(buf[16:24])),
		LogHead:         binary.LittleEndian.Uint64(buf[24:32]),
		MapEntries:      binary.LittleEndian.Uint32(buf[32:36]),
		SegTableEntries: binary.LittleEndian.Uint32(buf[36:40]),
		CRC:             binary.LittleEndian.Uint32(buf[40:44]),
		Complete:        binary.LittleEndian.Uint32(buf[44:48]),
	}
}

func (h *checkpointHeader) valid() bool {
	return h.Magic == CheckpointMagic && h.Complete == 1
}
