package lsfs_test

import (
	"bytes"
	"os"
	"testing"

	"github.com/KarpelesLab/lsfs"
)

func tempImage(t *testing.T, blocks uint64) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "lsfs-blockio-*.img")
	if err != nil {
		t.Fatalf("create temp file: %s", err)
	}
	if err := f.Truncate(int64(blocks) * lsfs.BlockSize); err != nil {
		t.Fatalf("truncate: %s", err)
	}
	name := f.Name()
	f.Close()
	return name
}

func TestBlockDeviceWriteReadRoundTrip(t *testing.T) {
	path := tempImage(t, 16)
	dev, err := lsfs.OpenBlockDevice(path, 16, false)
	if err != nil {
		t.Fatalf("open: %s", err)
	}
	defer dev.Close()

	want := bytes.Repeat([]byte{0xAB}, lsfs.BlockSize)
	if err := dev.WriteBlock(3, want); err != nil {
		t.Fatalf("write: %s", err)
	}
	if err := dev.Flush(); err != nil {
		t.Fatalf("flush: %s", err)
	}

	got := make([]byte, lsfs.BlockSize)
	if err := dev.ReadBlock(3, got); err != nil {
		t.Fatalf("read: %s", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("read back does not match written data")
	}
}

func TestBlockDeviceRangeAndBounds(t *testing.T) {
	path := tempImage(t, 8)
	dev, err := lsfs.OpenBlockDevice(path, 8, false)
	if err != nil {
		t.Fatalf("open: %s", err)
	}
	defer dev.Close()

	buf := make([]byte, lsfs.BlockSize*3)
	if err := dev.WriteRange(2, buf); err != nil {
		t.Fatalf("write range: %s", err)
	}

	oob := make([]byte, lsfs.BlockSize)
	if err := dev.ReadBlock(8, oob); lsfs.KindOf(err) != lsfs.KindIO {
		t.Fatalf("out-of-range read: got %v, want KindIO", err)
	}

	unaligned := make([]byte, lsfs.BlockSize+1)
	if err := dev.WriteRange(0, unaligned); lsfs.KindOf(err) != lsfs.KindInvalid {
		t.Fatalf("unaligned write: got %v, want KindInvalid", err)
	}
}

func TestBlockDeviceReadOnlyRejectsWrites(t *testing.T) {
	path := tempImage(t, 4)
	dev, err := lsfs.OpenBlockDevice(path, 4, true)
	if err != nil {
		t.Fatalf("open: %s", err)
	}
	defer dev.Close()

	buf := make([]byte, lsfs.BlockSize)
	if err := dev.WriteBlock(0, buf); lsfs.KindOf(err) != lsfs.KindInvalid {
		t.Fatalf("write on read-only device: got %v, want KindInvalid", err)
	}
	if err := dev.Flush(); err != nil {
		t.Fatalf("flush on read-only device should be a no-op, got %s", err)
	}
}
