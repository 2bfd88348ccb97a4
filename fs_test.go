package lsfs_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/KarpelesLab/lsfs"
)

func formatImage(t *testing.T, megabytes int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.lsfs")
	totalBlocks := uint64(megabytes) * 1024 * 1024 / lsfs.BlockSize
	if err := lsfs.Format(path, totalBlocks); err != nil {
		t.Fatalf("format: %s", err)
	}
	return path
}

func TestFormatMountRoot(t *testing.T) {
	path := formatImage(t, 32)
	fsys, err := lsfs.Mount(path)
	if err != nil {
		t.Fatalf("mount: %s", err)
	}
	defer fsys.Close()

	attr, err := fsys.GetAttr(lsfs.RootIno)
	if err != nil {
		t.Fatalf("getattr root: %s", err)
	}
	if attr.NLink != 2 {
		t.Fatalf("root NLink = %d, want 2", attr.NLink)
	}

	entries, _, err := fsys.ReadDir(lsfs.RootIno, 0, 0)
	if err != nil {
		t.Fatalf("readdir root: %s", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	if !names["."] || !names[".."] {
		t.Fatalf("root directory missing . or ..: %+v", entries)
	}
}

func TestCreateWriteReadFile(t *testing.T) {
	path := formatImage(t, 32)
	fsys, err := lsfs.Mount(path)
	if err != nil {
		t.Fatalf("mount: %s", err)
	}
	defer fsys.Close()

	ino, err := fsys.Create(lsfs.RootIno, "hello.txt", 0644, 1000, 1000)
	if err != nil {
		t.Fatalf("create: %s", err)
	}

	want := []byte("hello, log-structured world\n")
	n, err := fsys.Write(ino, 0, want)
	if err != nil || n != len(want) {
		t.Fatalf("write = (%d, %v), want (%d, nil)", n, err, len(want))
	}

	got, err := fsys.Read(ino, 0, len(want)+10)
	if err != nil {
		t.Fatalf("read: %s", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read = %q, want %q", got, want)
	}

	gotIno, typ, err := fsys.Lookup(lsfs.RootIno, "hello.txt")
	if err != nil || gotIno != ino || typ != lsfs.BlockData {
		t.Fatalf("lookup hello.txt = (%d, %s, %v), want (%d, data, nil)", gotIno, typ, err, ino)
	}
}

func TestSparseWriteReadsZeroGap(t *testing.T) {
	path := formatImage(t, 32)
	fsys, err := lsfs.Mount(path)
	if err != nil {
		t.Fatalf("mount: %s", err)
	}
	defer fsys.Close()

	ino, err := fsys.Create(lsfs.RootIno, "sparse.bin", 0644, 0, 0)
	if err != nil {
		t.Fatalf("create: %s", err)
	}

	tail := []byte("tail-data")
	offset := uint64(lsfs.BlockSize * 3)
	if _, err := fsys.Write(ino, offset, tail); err != nil {
		t.Fatalf("write: %s", err)
	}

	gap, err := fsys.Read(ino, 0, int(offset))
	if err != nil {
		t.Fatalf("read gap: %s", err)
	}
	for i, b := range gap {
		if b != 0 {
			t.Fatalf("gap byte %d = %#x, want 0", i, b)
		}
	}

	got, err := fsys.Read(ino, offset, len(tail))
	if err != nil || !bytes.Equal(got, tail) {
		t.Fatalf("read tail = (%q, %v), want %q", got, err, tail)
	}
}

func TestMkdirRenameAcrossDirectoriesFixesDotDot(t *testing.T) {
	path := formatImage(t, 32)
	fsys, err := lsfs.Mount(path)
	if err != nil {
		t.Fatalf("mount: %s", err)
	}
	defer fsys.Close()

	srcDir, err := fsys.Mkdir(lsfs.RootIno, "src", 0755, 0, 0)
	if err != nil {
		t.Fatalf("mkdir src: %s", err)
	}
	dstDir, err := fsys.Mkdir(lsfs.RootIno, "dst", 0755, 0, 0)
	if err != nil {
		t.Fatalf("mkdir dst: %s", err)
	}
	moved, err := fsys.Mkdir(srcDir, "moved", 0755, 0, 0)
	if err != nil {
		t.Fatalf("mkdir moved: %s", err)
	}

	if err := fsys.Rename(srcDir, "moved", dstDir, "moved"); err != nil {
		t.Fatalf("rename: %s", err)
	}

	if _, _, err := fsys.Lookup(srcDir, "moved"); lsfs.KindOf(err) != lsfs.KindNotExist {
		t.Fatalf("moved directory still visible under src: %v", err)
	}
	gotIno, _, err := fsys.Lookup(dstDir, "moved")
	if err != nil || gotIno != moved {
		t.Fatalf("lookup dst/moved = (%d, %v), want (%d, nil)", gotIno, err, moved)
	}

	dotdot, _, err := fsys.Lookup(moved, "..")
	if err != nil || dotdot != dstDir {
		t.Fatalf("moved/.. = (%d, %v), want (%d, nil)", dotdot, err, dstDir)
	}

	srcAttr, err := fsys.GetAttr(srcDir)
	if err != nil {
		t.Fatalf("getattr src: %s", err)
	}
	if srcAttr.NLink != 1 {
		t.Fatalf("src NLink after losing child = %d, want 1", srcAttr.NLink)
	}
	dstAttr, err := fsys.GetAttr(dstDir)
	if err != nil {
		t.Fatalf("getattr dst: %s", err)
	}
	if dstAttr.NLink != 2 {
		t.Fatalf("dst NLink after gaining child = %d, want 2", dstAttr.NLink)
	}
}

func TestUnlinkAndRmdir(t *testing.T) {
	path := formatImage(t, 32)
	fsys, err := lsfs.Mount(path)
	if err != nil {
		t.Fatalf("mount: %s", err)
	}
	defer fsys.Close()

	if _, err := fsys.Create(lsfs.RootIno, "f", 0644, 0, 0); err != nil {
		t.Fatalf("create: %s", err)
	}
	if _, err := fsys.Mkdir(lsfs.RootIno, "d", 0755, 0, 0); err != nil {
		t.Fatalf("mkdir: %s", err)
	}

	if err := fsys.Rmdir(lsfs.RootIno, "f"); lsfs.KindOf(err) != lsfs.KindNotDir {
		t.Fatalf("rmdir on a file: got %v, want KindNotDir", err)
	}
	if err := fsys.Unlink(lsfs.RootIno, "d"); lsfs.KindOf(err) != lsfs.KindIsDir {
		t.Fatalf("unlink on a directory: got %v, want KindIsDir", err)
	}

	if err := fsys.Unlink(lsfs.RootIno, "f"); err != nil {
		t.Fatalf("unlink f: %s", err)
	}
	if err := fsys.Rmdir(lsfs.RootIno, "d"); err != nil {
		t.Fatalf("rmdir d: %s", err)
	}
	if _, _, err := fsys.Lookup(lsfs.RootIno, "f"); lsfs.KindOf(err) != lsfs.KindNotExist {
		t.Fatalf("f still exists: %v", err)
	}
	if _, _, err := fsys.Lookup(lsfs.RootIno, "d"); lsfs.KindOf(err) != lsfs.KindNotExist {
		t.Fatalf("d still exists: %v", err)
	}
}

func TestTruncateShrinksFile(t *testing.T) {
	path := formatImage(t, 32)
	fsys, err := lsfs.Mount(path)
	if err != nil {
		t.Fatalf("mount: %s", err)
	}
	defer fsys.Close()

	ino, err := fsys.Create(lsfs.RootIno, "big.bin", 0644, 0, 0)
	if err != nil {
		t.Fatalf("create: %s", err)
	}
	data := bytes.Repeat([]byte{0x7}, lsfs.BlockSize*3)
	if _, err := fsys.Write(ino, 0, data); err != nil {
		t.Fatalf("write: %s", err)
	}

	if err := fsys.Truncate(ino, lsfs.BlockSize); err != nil {
		t.Fatalf("truncate: %s", err)
	}
	attr, err := fsys.GetAttr(ino)
	if err != nil {
		t.Fatalf("getattr: %s", err)
	}
	if attr.Size != lsfs.BlockSize {
		t.Fatalf("size after truncate = %d, want %d", attr.Size, lsfs.BlockSize)
	}
	got, err := fsys.Read(ino, 0, lsfs.BlockSize*2)
	if err != nil {
		t.Fatalf("read: %s", err)
	}
	if len(got) != lsfs.BlockSize {
		t.Fatalf("read past truncated EOF returned %d bytes, want %d", len(got), lsfs.BlockSize)
	}
}

func TestCloseAndRemountPersistsData(t *testing.T) {
	path := formatImage(t, 32)
	fsys, err := lsfs.Mount(path)
	if err != nil {
		t.Fatalf("mount: %s", err)
	}
	ino, err := fsys.Create(lsfs.RootIno, "persist.txt", 0644, 0, 0)
	if err != nil {
		t.Fatalf("create: %s", err)
	}
	want := []byte("durable across remounts")
	if _, err := fsys.Write(ino, 0, want); err != nil {
		t.Fatalf("write: %s", err)
	}
	if err := fsys.Close(); err != nil {
		t.Fatalf("close: %s", err)
	}

	fsys2, err := lsfs.Mount(path)
	if err != nil {
		t.Fatalf("remount: %s", err)
	}
	defer fsys2.Close()

	gotIno, _, err := fsys2.Lookup(lsfs.RootIno, "persist.txt")
	if err != nil || gotIno != ino {
		t.Fatalf("lookup after remount = (%d, %v), want (%d, nil)", gotIno, err, ino)
	}
	got, err := fsys2.Read(gotIno, 0, len(want))
	if err != nil || !bytes.Equal(got, want) {
		t.Fatalf("read after remount = (%q, %v), want %q", got, err, want)
	}
}

func TestMountReadOnlyRejectsWrites(t *testing.T) {
	path := formatImage(t, 32)
	fsys, err := lsfs.Mount(path, lsfs.ReadOnly())
	if err != nil {
		t.Fatalf("mount: %s", err)
	}
	defer fsys.Close()

	if _, err := fsys.Create(lsfs.RootIno, "nope.txt", 0644, 0, 0); err == nil {
		t.Fatal("expected create to fail on a read-only mount")
	}
}

func TestStatfsReflectsUsage(t *testing.T) {
	path := formatImage(t, 32)
	fsys, err := lsfs.Mount(path)
	if err != nil {
		t.Fatalf("mount: %s", err)
	}
	defer fsys.Close()

	before := fsys.Statfs()
	if before.TotalInodes != 1 {
		t.Fatalf("TotalInodes before create = %d, want 1", before.TotalInodes)
	}
	if _, err := fsys.Create(lsfs.RootIno, "a.txt", 0644, 0, 0); err != nil {
		t.Fatalf("create: %s", err)
	}
	after := fsys.Statfs()
	if after.TotalInodes != before.TotalInodes+1 {
		t.Fatalf("TotalInodes after create = %d, want %d", after.TotalInodes, before.TotalInodes+1)
	}
	if after.BlockSize != lsfs.BlockSize {
		t.Fatalf("BlockSize = %d, want %d", after.BlockSize, lsfs.BlockSize)
	}
}

func TestFormatRejectsUndersizedImage(t *testing.T) {
	path := filepath.Join(os.TempDir(), "lsfs-too-small.img")
	defer os.Remove(path)
	if err := lsfs.Format(path, 2000); lsfs.KindOf(err) != lsfs.KindInvalid {
		t.Fatalf("format undersized image: got %v, want KindInvalid", err)
	}
}
