package lsfs

import (
	"encoding/binary"
	"fmt"
)

// dirEntryHeaderSize is the fixed portion of a directory record: inode
// identifier, record length, name length, type hint (§3 "Directory entry").
const dirEntryHeaderSize = 4 + 2 + 1 + 1

// direntMinRecLen returns ceil((nameLen+8)/4)*4, the minimum record
// length that fits a name of nameLen bytes (§4.6 invariants).
func direntMinRecLen(nameLen int) uint16 {
	n := nameLen + dirEntryHeaderSize
	return uint16(((n + 3) / 4) * 4)
}

type dirRecord struct {
	Ino    uint32
	RecLen uint16
	Name   []byte
	Type   BlockType // reused as a file-type hint: BlockDirent for directories, BlockData for other entries (set by createChild)
}

func encodeDirRecord(buf []byte, r dirRecord) {
	binary.LittleEndian.PutUint32(buf[0:4], r.Ino)
	binary.LittleEndian.PutUint16(buf[4:6], r.RecLen)
	buf[6] = byte(len(r.Name))
	buf[7] = byte(r.Type)
	copy(buf[8:], r.Name)
}

func decodeDirRecord(buf []byte) dirRecord {
	nameLen := int(buf[6])
	return dirRecord{
		Ino:    binary.LittleEndian.Uint32(buf[0:4]),
		RecLen: binary.LittleEndian.Uint16(buf[4:6]),
		Type:   BlockType(buf[7]),
		Name:   append([]byte(nil), buf[8:8+nameLen]...),
	}
}

// DirBlock is a decoded 4096-byte directory block: a contiguous tiling of
// dirRecords (§4.6, §8 P7).
type DirBlock struct {
	raw [BlockSize]byte
}

func (d *DirBlock) bytes() []byte { return d.raw[:] }

// records walks the block, returning each record's byte offset and decoded form.
func (d *DirBlock) records() []struct {
	Off int
	Rec dirRecord
} {
	var out []struct {
		Off int
		Rec dirRecord
	}
	off := 0
	for off < BlockSize {
		rec := decodeDirRecord(d.raw[off:])
		if rec.RecLen == 0 {
			break
		}
		out = append(out, struct {
			Off int
			Rec dirRecord
		}{off, rec})
		off += int(rec.RecLen)
	}
	return out
}

// dirLookup scans dir's blocks for name, returning its inode and type hint.
func dirLookup(blocks []*DirBlock, name string) (uint32, BlockType, error) {
	nb := []byte(name)
	for _, blk := range blocks {
		for _, r := range blk.records() {
			if r.Rec.Ino == 0 {
				continue // tombstone
			}
			if len(r.Rec.Name) == len(nb) && bytesEqual(r.Rec.Name, nb) {
				return r.Rec.Ino, r.Rec.Type, nil
			}
		}
	}
	return 0, 0, newErr("dir.lookup", KindNotExist, fmt.Errorf("%q not found", name))
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// dirAdd inserts (name, ino, typ) into blocks, reusing a tombstone or
// splitting a live record's trailing slack, appending a new block if none
// has room (§4.6 add()). Returns the (possibly extended) block slice and
// the index of the block that received the write, or an error if name
// already exists.
func dirAdd(blocks []*DirBlock, name string, ino uint32, typ BlockType) ([]*DirBlock, int, error) {
	if _, _, err := dirLookup(blocks, name); err == nil {
		return blocks, -1, newErr("dir.add", KindExist, fmt.Errorf("%q exists", name))
	}
	nameLen := len(name)
	if nameLen > MaxNameLen {
		return blocks, -1, newErr("dir.add", KindInvalid, fmt.Errorf("name too long"))
	}
	need := direntMinRecLen(nameLen)

	for bi, blk := range blocks {
		recs := blk.records()
		for _, r := range recs {
			if r.Rec.Ino == 0 && r.Rec.RecLen >= need {
				// tombstone with enough room
				writeDirentInPlace(blk, r.Off, r.Rec.RecLen, ino, name, typ)
				return blocks, bi, nil
			}
			actual := direntMinRecLen(len(r.Rec.Name))
			slack := r.Rec.RecLen - actual
			if r.Rec.Ino != 0 && slack >= need {
				// split: shrink the live record, carve the new one after it
				encodeDirRecord(blk.raw[r.Off:], dirRecord{Ino: r.Rec.Ino, RecLen: actual, Name: r.Rec.Name, Type: r.Rec.Type})
				newOff := r.Off + int(actual)
				newLen := r.Rec.RecLen - actual
				encodeDirRecord(blk.raw[newOff:], dirRecord{Ino: ino, RecLen: newLen, Name: []byte(name), Type: typ})
				return blocks, bi, nil
			}
		}
	}

	// no room anywhere: append a fresh block
	nb := &DirBlock{}
	encodeDirRecord(nb.raw[0:], dirRecord{Ino: ino, RecLen: uint16(BlockSize), Name: []byte(name), Type: typ})
	blocks = append(blocks, nb)
	return blocks, len(blocks) - 1, nil
}

func writeDirentInPlace(blk *DirBlock, off int, recLen uint16, ino uint32, name string, typ BlockType) {
	encodeDirRecord(blk.raw[off:], dirRecord{Ino: ino, RecLen: recLen, Name: []byte(name), Type: typ})
}

// dirRemove finds name and either coalesces it into the preceding record
// of the same block, or tombstones it if first in the block (§4.6
// remove()).
func dirRemove(blocks []*DirBlock, name string) error {
	nb := []byte(name)
	for _, blk := range blocks {
		recs := blk.records()
		for i, r := range recs {
			if r.Rec.Ino == 0 || !bytesEqual(r.Rec.Name, nb) {
				continue
			}
			if i == 0 {
				blk.raw[r.Off] = 0
				blk.raw[r.Off+1] = 0
				blk.raw[r.Off+2] = 0
				blk.raw[r.Off+3] = 0
				return nil
			}
			prev := recs[i-1]
			newLen := prev.Rec.RecLen + r.Rec.RecLen
			encodeDirRecord(blk.raw[prev.Off:], dirRecord{Ino: prev.Rec.Ino, RecLen: newLen, Name: prev.Rec.Name, Type: prev.Rec.Type})
			return nil
		}
	}
	return newErr("dir.remove", KindNotExist, fmt.Errorf("%q not found", name))
}

// dirInit writes a fresh first block with "." and ".." (§4.6 init()).
func dirInit(self, parent uint32) *DirBlock {
	blk := &DirBlock{}
	dotLen := direntMinRecLen(1)
	encodeDirRecord(blk.raw[0:], dirRecord{Ino: self, RecLen: dotLen, Name: []byte("."), Type: BlockDirent})
	dotdotLen := uint16(BlockSize) - dotLen
	encodeDirRecord(blk.raw[dotLen:], dirRecord{Ino: parent, RecLen: dotdotLen, Name: []byte(".."), Type: BlockDirent})
	return blk
}

// dirIsEmpty reports whether the only live records across blocks are "."
// and ".." (§4.6 is_empty()).
func dirIsEmpty(blocks []*DirBlock) bool {
	for _, blk := range blocks {
		for _, r := range blk.records() {
			if r.Rec.Ino == 0 {
				continue
			}
			if string(r.Rec.Name) == "." || string(r.Rec.Name) == ".." {
				continue
			}
			return false
		}
	}
	return true
}

// DirCursor is the resumable iteration handle described in §9
// ("Callback-based directory iteration" → a cursor with next()+offset).
type DirCursor struct {
	blocks []*DirBlock
	block  int
	off    int
}

// NewDirCursor creates a cursor over blocks, optionally resuming from a
// prior opaque offset token (0 = start).
func NewDirCursor(blocks []*DirBlock, resume uint64) *DirCursor {
	return &DirCursor{blocks: blocks, block: int(resume >> 32), off: int(resume & 0xffffffff)}
}

// DirEntryView is one live entry returned by Next.
type DirEntryView struct {
	Name string
	Ino  uint32
	Type BlockType
}

// Next returns the next live entry and an opaque resume offset, or false
// when iteration is exhausted.
func (c *DirCursor) Next() (DirEntryView, uint64, bool) {
	for c.block < len(c.blocks) {
		blk := c.blocks[c.block]
		for c.off < BlockSize {
			rec := decodeDirRecord(blk.raw[c.off:])
			if rec.RecLen == 0 {
				break
			}
			thisOff := c.off
			c.off += int(rec.RecLen)
			if rec.Ino == 0 {
				continue
			}
			token := uint64(c.block)<<32 | uint64(c.off)
			_ = thisOff
			return DirEntryView{Name: string(rec.Name), Ino: rec.Ino, Type: rec.Type}, token, true
		}
		c.block++
		c.off = 0
	}
	return DirEntryView{}, 0, false
}
