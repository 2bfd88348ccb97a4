package lsfs

import (
	"fmt"
	"time"
)

// blocksFor returns the number of BlockSize blocks needed to hold size bytes.
func blocksFor(size uint64) uint32 {
	return uint32((size + BlockSize - 1) / BlockSize)
}

// readDirBlocks decodes e's data blocks as a directory (§4.6). Only the
// direct region is addressed: directories large enough to need indirect
// blocks are out of scope, matching the inode cache's write-path gap.
func (fsys *FS) readDirBlocks(e *CacheEntry) ([]*DirBlock, error) {
	disk := e.Disk()
	n := blocksFor(disk.Size)
	if n > DirectPointers {
		return nil, newErr("dir.read", KindCorrupt, fmt.Errorf("directory inode %d spans %d blocks, beyond the direct region", e.Ino(), n))
	}
	blocks := make([]*DirBlock, 0, n)
	for b := uint32(0); b < n; b++ {
		raw, err := fsys.cache.ReadBlockAt(e, b)
		if err != nil {
			return nil, err
		}
		blk := &DirBlock{}
		copy(blk.raw[:], raw)
		blocks = append(blocks, blk)
	}
	return blocks, nil
}

// writeDirBlocks persists blocks back through the inode cache and updates
// e's recorded size/block-count.
func (fsys *FS) writeDirBlocks(e *CacheEntry, blocks []*DirBlock) error {
	if len(blocks) > DirectPointers {
		return newErr("dir.write", KindNoSpace, fmt.Errorf("directory would need %d blocks, beyond the direct region", len(blocks)))
	}
	for b, blk := range blocks {
		if err := fsys.cache.WriteBlockAt(e, uint32(b), blk.bytes()); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.disk.Size = uint64(len(blocks)) * BlockSize
	e.disk.Blocks = uint64(len(blocks))
	e.disk.Mtime = time.Now().UnixNano()
	e.dirty = true
	e.mu.Unlock()
	return fsys.cache.Write(e)
}

// Lookup resolves name within the directory inode parentIno (§6).
func (fsys *FS) Lookup(parentIno uint32, name string) (uint32, BlockType, error) {
	e, err := fsys.cache.Get(parentIno)
	if err != nil {
		return 0, 0, err
	}
	defer fsys.cache.Put(e)
	if !isDir(e.Disk().Mode) {
		return 0, 0, newErr("lookup", KindNotDir, fmt.Errorf("inode %d is not a directory", parentIno))
	}
	blocks, err := fsys.readDirBlocks(e)
	if err != nil {
		return 0, 0, err
	}
	return dirLookup(blocks, name)
}

func isDir(mode uint32) bool { return mode&modeTypeMask == modeDirectory }
func isReg(mode uint32) bool { return mode&modeTypeMask == modeRegular }

// GetAttr returns the current metadata of ino (§6).
func (fsys *FS) GetAttr(ino uint32) (Attr, error) {
	e, err := fsys.cache.Get(ino)
	if err != nil {
		return Attr{}, err
	}
	defer fsys.cache.Put(e)
	d := e.Disk()
	return Attr{
		Ino: d.Ino, Mode: d.Mode, Uid: d.Uid, Gid: d.Gid, Size: d.Size,
		Atime: time.Unix(0, d.Atime), Mtime: time.Unix(0, d.Mtime), Ctime: time.Unix(0, d.Ctime),
		NLink: d.NLink,
	}, nil
}

// Chmod updates the permission bits of ino, preserving its file-type bits.
func (fsys *FS) Chmod(ino uint32, mode uint32) error {
	fsys.writeMu.Lock()
	defer fsys.writeMu.Unlock()
	e, err := fsys.cache.Get(ino)
	if err != nil {
		return err
	}
	defer fsys.cache.Put(e)
	e.mu.Lock()
	e.disk.Mode = (e.disk.Mode &^ 0o7777) | (mode & 0o7777)
	e.disk.Ctime = time.Now().UnixNano()
	e.dirty = true
	e.mu.Unlock()
	return fsys.cache.Write(e)
}

// Chown updates owner/group of ino.
func (fsys *FS) Chown(ino uint32, uid, gid uint32) error {
	fsys.writeMu.Lock()
	defer fsys.writeMu.Unlock()
	e, err := fsys.cache.Get(ino)
	if err != nil {
		return err
	}
	defer fsys.cache.Put(e)
	e.mu.Lock()
	e.disk.Uid = uid
	e.disk.Gid = gid
	e.disk.Ctime = time.Now().UnixNano()
	e.dirty = true
	e.mu.Unlock()
	return fsys.cache.Write(e)
}

// SetTimes updates atime/mtime of ino.
func (fsys *FS) SetTimes(ino uint32, atime, mtime time.Time) error {
	fsys.writeMu.Lock()
	defer fsys.writeMu.Unlock()
	e, err := fsys.cache.Get(ino)
	if err != nil {
		return err
	}
	defer fsys.cache.Put(e)
	e.mu.Lock()
	e.disk.Atime = atime.UnixNano()
	e.disk.Mtime = mtime.UnixNano()
	e.dirty = true
	e.mu.Unlock()
	return fsys.cache.Write(e)
}

// Truncate changes the size of a regular file, dropping any blocks beyond
// the new size (growth leaves the tail sparse, §6).
func (fsys *FS) Truncate(ino uint32, newSize uint64) error {
	fsys.writeMu.Lock()
	defer fsys.writeMu.Unlock()
	e, err := fsys.cache.Get(ino)
	if err != nil {
		return err
	}
	defer fsys.cache.Put(e)
	if !isReg(e.Disk().Mode) {
		return newErr("truncate", KindIsDir, fmt.Errorf("inode %d is not a regular file", ino))
	}
	newBlocks := blocksFor(newSize)
	fsys.cache.Truncate(e, newBlocks)
	e.mu.Lock()
	e.disk.Size = newSize
	e.disk.Blocks = uint64(newBlocks)
	e.disk.Mtime = time.Now().UnixNano()
	e.dirty = true
	e.mu.Unlock()
	return fsys.cache.Write(e)
}

// ReadDir lists entries of directory ino starting from an opaque resume
// token (0 to start), returning at most limit entries and the token to
// resume from (§6, §9 resumable iteration).
func (fsys *FS) ReadDir(ino uint32, resume uint64, limit int) ([]DirEntryView, uint64, error) {
	e, err := fsys.cache.Get(ino)
	if err != nil {
		return nil, 0, err
	}
	defer fsys.cache.Put(e)
	if !isDir(e.Disk().Mode) {
		return nil, 0, newErr("readdir", KindNotDir, fmt.Errorf("inode %d is not a directory", ino))
	}
	blocks, err := fsys.readDirBlocks(e)
	if err != nil {
		return nil, 0, err
	}
	cur := NewDirCursor(blocks, resume)
	var out []DirEntryView
	var tok uint64
	for limit <= 0 || len(out) < limit {
		view, t, ok := cur.Next()
		if !ok {
			return out, 0, nil
		}
		out = append(out, view)
		tok = t
	}
	return out, tok, nil
}

// Read returns up to size bytes of ino's data starting at offset (§6).
// Reads past EOF return fewer bytes than requested; reads entirely past
// EOF return an empty slice.
func (fsys *FS) Read(ino uint32, offset uint64, size int) ([]byte, error) {
	e, err := fsys.cache.Get(ino)
	if err != nil {
		return nil, err
	}
	defer fsys.cache.Put(e)
	d := e.Disk()
	if !isReg(d.Mode) {
		return nil, newErr("read", KindIsDir, fmt.Errorf("inode %d is not a regular file", ino))
	}
	if offset >= d.Size {
		return nil, nil
	}
	if uint64(size) > d.Size-offset {
		size = int(d.Size - offset)
	}
	out := make([]byte, 0, size)
	for len(out) < size {
		b := uint32(offset / BlockSize)
		within := int(offset % BlockSize)
		block, err := fsys.cache.ReadBlockAt(e, b)
		if err != nil {
			return nil, err
		}
		n := BlockSize - within
		if n > size-len(out) {
			n = size - len(out)
		}
		out = append(out, block[within:within+n]...)
		offset += uint64(n)
	}
	return out, nil
}

// Write stores data at offset in ino's data, growing the file and its
// recorded size as needed; gaps before offset read back as zero (§6
// sparse files).
func (fsys *FS) Write(ino uint32, offset uint64, data []byte) (int, error) {
	fsys.writeMu.Lock()
	defer fsys.writeMu.Unlock()
	e, err := fsys.cache.Get(ino)
	if err != nil {
		return 0, err
	}
	defer fsys.cache.Put(e)
	if !isReg(e.Disk().Mode) {
		return 0, newErr("write", KindIsDir, fmt.Errorf("inode %d is not a regular file", ino))
	}

	written := 0
	for written < len(data) {
		b := uint32(offset / BlockSize)
		within := int(offset % BlockSize)
		n := BlockSize - within
		if n > len(data)-written {
			n = len(data) - written
		}

		var block []byte
		if within != 0 || n != BlockSize {
			block, err = fsys.cache.ReadBlockAt(e, b)
			if err != nil {
				return written, err
			}
		} else {
			block = make([]byte, BlockSize)
		}
		copy(block[within:within+n], data[written:written+n])
		if err := fsys.cache.WriteBlockAt(e, b, block); err != nil {
			return written, err
		}
		written += n
		offset += uint64(n)
	}

	e.mu.Lock()
	if offset > e.disk.Size {
		e.disk.Size = offset
	}
	e.disk.Blocks = uint64(blocksFor(e.disk.Size))
	e.disk.Mtime = time.Now().UnixNano()
	e.dirty = true
	e.mu.Unlock()
	return written, fsys.cache.Write(e)
}

// Create makes a new regular file named name inside parentIno (§6).
func (fsys *FS) Create(parentIno uint32, name string, mode, uid, gid uint32) (uint32, error) {
	fsys.writeMu.Lock()
	defer fsys.writeMu.Unlock()
	return fsys.createChild(parentIno, name, (mode&0o7777)|modeRegular, uid, gid)
}

// Mkdir makes a new subdirectory named name inside parentIno (§6).
func (fsys *FS) Mkdir(parentIno uint32, name string, mode, uid, gid uint32) (uint32, error) {
	fsys.writeMu.Lock()
	defer fsys.writeMu.Unlock()
	ino, err := fsys.createChild(parentIno, name, (mode&0o7777)|modeDirectory, uid, gid)
	if err != nil {
		return 0, err
	}
	child, err := fsys.cache.Get(ino)
	if err != nil {
		return 0, err
	}
	defer fsys.cache.Put(child)
	blk := dirInit(ino, parentIno)
	if err := fsys.writeDirBlocks(child, []*DirBlock{blk}); err != nil {
		return 0, err
	}

	parent, err := fsys.cache.Get(parentIno)
	if err != nil {
		return 0, err
	}
	defer fsys.cache.Put(parent)
	parent.mu.Lock()
	parent.disk.NLink++
	parent.dirty = true
	parent.mu.Unlock()
	if err := fsys.cache.Write(parent); err != nil {
		return 0, err
	}
	return ino, nil
}

// createChild is the shared alloc+link step of Create/Mkdir. Caller holds
// writeMu.
func (fsys *FS) createChild(parentIno uint32, name string, mode, uid, gid uint32) (uint32, error) {
	parent, err := fsys.cache.Get(parentIno)
	if err != nil {
		return 0, err
	}
	defer fsys.cache.Put(parent)
	if !isDir(parent.Disk().Mode) {
		return 0, newErr("create", KindNotDir, fmt.Errorf("inode %d is not a directory", parentIno))
	}

	blocks, err := fsys.readDirBlocks(parent)
	if err != nil {
		return 0, err
	}
	if _, _, err := dirLookup(blocks, name); err == nil {
		return 0, newErr("create", KindExist, fmt.Errorf("%q exists", name))
	}

	child, err := fsys.cache.Alloc(mode, uid, gid)
	if err != nil {
		return 0, err
	}
	defer fsys.cache.Put(child)

	typ := BlockData
	if isDir(mode) {
		typ = BlockDirent
	}
	blocks, _, err = dirAdd(blocks, name, child.Ino(), typ)
	if err != nil {
		return 0, err
	}
	if err := fsys.writeDirBlocks(parent, blocks); err != nil {
		return 0, err
	}
	if err := fsys.cache.Write(child); err != nil {
		return 0, err
	}
	return child.Ino(), nil
}

// Unlink removes a non-directory entry named name from parentIno, freeing
// the inode once its link count drops to zero (§6).
func (fsys *FS) Unlink(parentIno uint32, name string) error {
	fsys.writeMu.Lock()
	defer fsys.writeMu.Unlock()
	return fsys.removeChild(parentIno, name, false)
}

// Rmdir removes an empty subdirectory named name from parentIno (§6).
func (fsys *FS) Rmdir(parentIno uint32, name string) error {
	fsys.writeMu.Lock()
	defer fsys.writeMu.Unlock()
	return fsys.removeChild(parentIno, name, true)
}

func (fsys *FS) removeChild(parentIno uint32, name string, wantDir bool) error {
	parent, err := fsys.cache.Get(parentIno)
	if err != nil {
		return err
	}
	defer fsys.cache.Put(parent)
	if !isDir(parent.Disk().Mode) {
		return newErr("remove", KindNotDir, fmt.Errorf("inode %d is not a directory", parentIno))
	}

	blocks, err := fsys.readDirBlocks(parent)
	if err != nil {
		return err
	}
	childIno, _, err := dirLookup(blocks, name)
	if err != nil {
		return err
	}

	child, err := fsys.cache.Get(childIno)
	if err != nil {
		return err
	}
	defer fsys.cache.Put(child)
	childMode := child.Disk().Mode
	if wantDir && !isDir(childMode) {
		return newErr("rmdir", KindNotDir, fmt.Errorf("%q is not a directory", name))
	}
	if !wantDir && isDir(childMode) {
		return newErr("unlink", KindIsDir, fmt.Errorf("%q is a directory", name))
	}
	if wantDir {
		childBlocks, err := fsys.readDirBlocks(child)
		if err != nil {
			return err
		}
		if !dirIsEmpty(childBlocks) {
			return newErr("rmdir", KindNotEmpty, fmt.Errorf("%q is not empty", name))
		}
	}

	if err := dirRemove(blocks, name); err != nil {
		return err
	}
	if err := fsys.writeDirBlocks(parent, blocks); err != nil {
		return err
	}

	child.mu.Lock()
	if child.disk.NLink > 0 {
		child.disk.NLink--
	}
	remaining := child.disk.NLink
	child.disk.Ctime = time.Now().UnixNano()
	child.dirty = true
	child.mu.Unlock()

	if remaining == 0 {
		if err := fsys.cache.Free(child); err != nil {
			return err
		}
	} else if err := fsys.cache.Write(child); err != nil {
		return err
	}

	if wantDir {
		parent.mu.Lock()
		if parent.disk.NLink > 0 {
			parent.disk.NLink--
		}
		parent.dirty = true
		parent.mu.Unlock()
		if err := fsys.cache.Write(parent); err != nil {
			return err
		}
	}
	return nil
}

// Rename moves oldName in oldParent to newName in newParent, overwriting
// an existing empty-directory or non-directory target per the usual POSIX
// rules, and rewriting the moved directory's ".." entry (and adjusting
// both parents' link counts) when it crosses directories (§6) — a
// cross-directory directory move never leaves ".." stale.
func (fsys *FS) Rename(oldParent uint32, oldName string, newParent uint32, newName string) error {
	fsys.writeMu.Lock()
	defer fsys.writeMu.Unlock()

	srcParent, err := fsys.cache.Get(oldParent)
	if err != nil {
		return err
	}
	defer fsys.cache.Put(srcParent)
	srcBlocks, err := fsys.readDirBlocks(srcParent)
	if err != nil {
		return err
	}
	movedIno, movedType, err := dirLookup(srcBlocks, oldName)
	if err != nil {
		return err
	}

	dstParent := srcParent
	dstBlocks := srcBlocks
	sameParent := oldParent == newParent
	if !sameParent {
		dstParent, err = fsys.cache.Get(newParent)
		if err != nil {
			return err
		}
		defer fsys.cache.Put(dstParent)
		dstBlocks, err = fsys.readDirBlocks(dstParent)
		if err != nil {
			return err
		}
	}

	if existingIno, existingType, err := dirLookup(dstBlocks, newName); err == nil {
		if existingIno == movedIno {
			return nil
		}
		if (existingType == BlockDirent) != (movedType == BlockDirent) {
			if existingType == BlockDirent {
				return newErr("rename", KindIsDir, fmt.Errorf("%q is a directory", newName))
			}
			return newErr("rename", KindNotDir, fmt.Errorf("%q is not a directory", newName))
		}
		if existingType == BlockDirent && movedType == BlockDirent {
			existing, err := fsys.cache.Get(existingIno)
			if err != nil {
				return err
			}
			existingBlocks, err := fsys.readDirBlocks(existing)
			isEmptyDir := err == nil && dirIsEmpty(existingBlocks)
			fsys.cache.Put(existing)
			if !isEmptyDir {
				return newErr("rename", KindNotEmpty, fmt.Errorf("%q exists and is not empty", newName))
			}
		}
		if err := fsys.removeChild(newParent, newName, false); err != nil {
			if err := fsys.removeChild(newParent, newName, true); err != nil {
				return err
			}
		}
		dstBlocks, err = fsys.readDirBlocks(dstParent)
		if err != nil {
			return err
		}
	}

	if err := dirRemove(srcBlocks, oldName); err != nil {
		return err
	}
	dstBlocks, _, err = dirAdd(dstBlocks, newName, movedIno, movedType)
	if err != nil {
		return err
	}

	if sameParent {
		if err := fsys.writeDirBlocks(srcParent, dstBlocks); err != nil {
			return err
		}
	} else {
		if err := fsys.writeDirBlocks(srcParent, srcBlocks); err != nil {
			return err
		}
		if err := fsys.writeDirBlocks(dstParent, dstBlocks); err != nil {
			return err
		}
	}

	if !sameParent && movedType == BlockDirent {
		moved, err := fsys.cache.Get(movedIno)
		if err != nil {
			return err
		}
		defer fsys.cache.Put(moved)
		if isDir(moved.Disk().Mode) {
			movedBlocks, err := fsys.readDirBlocks(moved)
			if err != nil {
				return err
			}
			if len(movedBlocks) > 0 {
				if err := dirRemove(movedBlocks[:1], ".."); err != nil {
					return err
				}
				var tmp []*DirBlock
				tmp, _, err = dirAdd(movedBlocks[:1], "..", newParent, BlockDirent)
				if err != nil {
					return err
				}
				movedBlocks[0] = tmp[0]
				if err := fsys.writeDirBlocks(moved, movedBlocks); err != nil {
					return err
				}
			}
			srcParent.mu.Lock()
			if srcParent.disk.NLink > 0 {
				srcParent.disk.NLink--
			}
			srcParent.dirty = true
			srcParent.mu.Unlock()
			if err := fsys.cache.Write(srcParent); err != nil {
				return err
			}
			dstParent.mu.Lock()
			dstParent.disk.NLink++
			dstParent.dirty = true
			dstParent.mu.Unlock()
			if err := fsys.cache.Write(dstParent); err != nil {
				return err
			}
		}
	}
	return nil
}
