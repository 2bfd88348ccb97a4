//go:build fuse

package lsfs

import (
	"context"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// fuseNode is the go-fuse attachment of one inode: a thin method set
// plus an fs.Inode embed, exposing a read-write, mutable filesystem.
type fuseNode struct {
	fs.Inode

	fsys *FS
	ino  uint32
}

var (
	_ = (fs.NodeLookuper)((*fuseNode)(nil))
	_ = (fs.NodeGetattrer)((*fuseNode)(nil))
	_ = (fs.NodeSetattrer)((*fuseNode)(nil))
	_ = (fs.NodeReaddirer)((*fuseNode)(nil))
	_ = (fs.NodeOpener)((*fuseNode)(nil))
	_ = (fs.NodeReader)((*fuseNode)(nil))
	_ = (fs.NodeWriter)((*fuseNode)(nil))
	_ = (fs.NodeCreater)((*fuseNode)(nil))
	_ = (fs.NodeMkdirer)((*fuseNode)(nil))
	_ = (fs.NodeUnlinker)((*fuseNode)(nil))
	_ = (fs.NodeRmdirer)((*fuseNode)(nil))
	_ = (fs.NodeRenamer)((*fuseNode)(nil))
	_ = (fs.NodeStatfser)((*fuseNode)(nil))
)

func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindNotExist:
		return syscall.ENOENT
	case KindExist:
		return syscall.EEXIST
	case KindNotDir:
		return syscall.ENOTDIR
	case KindIsDir:
		return syscall.EISDIR
	case KindNotEmpty:
		return syscall.ENOTEMPTY
	case KindNoSpace:
		return syscall.ENOSPC
	case KindNoMem:
		return syscall.ENOMEM
	case KindInvalid:
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

func (n *fuseNode) fillAttr(a *Attr, out *fuse.Attr) {
	out.Ino = uint64(a.Ino)
	out.Mode = a.Mode
	out.Size = a.Size
	out.Uid = a.Uid
	out.Gid = a.Gid
	out.Nlink = a.NLink
	out.SetTimes(&a.Atime, &a.Mtime, &a.Ctime)
}

// child constructs the *fs.Inode for a looked-up or newly created child,
// filling out's entry attributes along the way.
func (n *fuseNode) child(ctx context.Context, ino uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	attr, err := n.fsys.GetAttr(ino)
	if err != nil {
		return nil, toErrno(err)
	}
	n.fillAttr(&attr, &out.Attr)
	out.NodeId = uint64(ino)
	out.SetEntryTimeout(time.Second)
	out.SetAttrTimeout(time.Second)
	child := &fuseNode{fsys: n.fsys, ino: ino}
	mode := uint32(0)
	if isDir(attr.Mode) {
		mode = syscall.S_IFDIR
	} else {
		mode = syscall.S_IFREG
	}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: mode, Ino: uint64(ino)}), 0
}

func (n *fuseNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	ino, _, err := n.fsys.Lookup(n.ino, name)
	if err != nil {
		return nil, toErrno(err)
	}
	return n.child(ctx, ino, out)
}

func (n *fuseNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.fsys.GetAttr(n.ino)
	if err != nil {
		return toErrno(err)
	}
	n.fillAttr(&attr, &out.Attr)
	return 0
}

func (n *fuseNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if mode, ok := in.GetMode(); ok {
		if err := n.fsys.Chmod(n.ino, mode); err != nil {
			return toErrno(err)
		}
	}
	if uid, gid, ok := getUIDGID(in); ok {
		if err := n.fsys.Chown(n.ino, uid, gid); err != nil {
			return toErrno(err)
		}
	}
	if size, ok := in.GetSize(); ok {
		if err := n.fsys.Truncate(n.ino, size); err != nil {
			return toErrno(err)
		}
	}
	return n.Getattr(ctx, f, out)
}

func getUIDGID(in *fuse.SetAttrIn) (uint32, uint32, bool) {
	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	return uid, gid, uok || gok
}

func (n *fuseNode) Opendir(ctx context.Context) syscall.Errno { return 0 }

func (n *fuseNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	var entries []fuse.DirEntry
	var resume uint64
	for {
		views, next, err := n.fsys.ReadDir(n.ino, resume, 64)
		if err != nil {
			return nil, toErrno(err)
		}
		for _, v := range views {
			mode := uint32(syscall.S_IFREG)
			if v.Type == BlockDirent {
				// directory-vs-file distinction for non-dot entries is
				// resolved by a Getattr on Lookup; here we only need a
				// plausible dirent type for readdir listings.
				mode = syscall.S_IFDIR
			}
			entries = append(entries, fuse.DirEntry{Name: v.Name, Ino: uint64(v.Ino), Mode: mode})
		}
		if len(views) == 0 || next == 0 {
			break
		}
		resume = next
	}
	return fs.NewListDirStream(entries), 0
}

func (n *fuseNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *fuseNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := n.fsys.Read(n.ino, uint64(off), len(dest))
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(data), 0
}

func (n *fuseNode) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	written, err := n.fsys.Write(n.ino, uint64(off), data)
	if err != nil {
		return uint32(written), toErrno(err)
	}
	return uint32(written), 0
}

func (n *fuseNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	ino, err := n.fsys.Create(n.ino, name, mode, 0, 0)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	child, errno := n.child(ctx, ino, out)
	return child, nil, 0, errno
}

func (n *fuseNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	ino, err := n.fsys.Mkdir(n.ino, name, mode, 0, 0)
	if err != nil {
		return nil, toErrno(err)
	}
	return n.child(ctx, ino, out)
}

func (n *fuseNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.fsys.Unlink(n.ino, name))
}

func (n *fuseNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.fsys.Rmdir(n.ino, name))
}

func (n *fuseNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dst, ok := newParent.(*fuseNode)
	if !ok {
		return syscall.EXDEV
	}
	return toErrno(n.fsys.Rename(n.ino, name, dst.ino, newName))
}

func (n *fuseNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st := n.fsys.Statfs()
	out.Bsize = st.BlockSize
	out.Blocks = st.TotalBlocks
	out.Bfree = st.FreeBlocks
	out.Bavail = st.FreeBlocks
	out.Files = uint64(st.TotalInodes)
	return 0
}

// MountFUSE attaches fsys at dir using go-fuse's high-level node API,
// rooted at the filesystem's root inode.
func MountFUSE(fsys *FS, dir string, opts *fs.Options) (*fuse.Server, error) {
	root := &fuseNode{fsys: fsys, ino: RootIno}
	return fs.Mount(dir, root, opts)
}
