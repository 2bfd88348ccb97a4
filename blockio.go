package lsfs

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// BlockDevice is the fixed-size positional I/O layer of §4.1. All other
// components address storage in block numbers; BlockDevice is the only
// thing that touches byte offsets.
//
// This talks straight to the file descriptor rather than through a
// buffered io.Reader, via golang.org/x/sys/unix, so the "exact-size
// semantics" contract (partial success is an error) is enforced here,
// not masked by os.File's retry loop.
type BlockDevice struct {
	f        *os.File
	fd       int
	readOnly bool
	blocks   uint64
}

// OpenBlockDevice opens path as a block device image of the given total
// block count. If readOnly is set, Write/WriteRange fail with ErrIO's
// inval-flavored cousin (KindInvalid) before ever reaching the fd.
func OpenBlockDevice(path string, totalBlocks uint64, readOnly bool) (*BlockDevice, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, newErr("blockio.open", KindIO, err)
	}
	return &BlockDevice{f: f, fd: int(f.Fd()), readOnly: readOnly, blocks: totalBlocks}, nil
}

func (d *BlockDevice) TotalBlocks() uint64 { return d.blocks }

// ReadBlock reads exactly BlockSize bytes at block number n into buf.
func (d *BlockDevice) ReadBlock(n uint64, buf []byte) error {
	return d.ReadRange(n, buf)
}

// ReadRange reads len(buf)/BlockSize contiguous blocks starting at n. len(buf)
// must be a multiple of BlockSize.
func (d *BlockDevice) ReadRange(n uint64, buf []byte) error {
	if len(buf)%BlockSize != 0 {
		return newErr("blockio.read", KindInvalid, fmt.Errorf("buffer not block-aligned"))
	}
	nblocks := uint64(len(buf) / BlockSize)
	if n+nblocks > d.blocks {
		return newErr("blockio.read", KindIO, fmt.Errorf("block %d+%d out of range (total %d)", n, nblocks, d.blocks))
	}
	off := int64(n) * BlockSize
	got := 0
	for got < len(buf) {
		m, err := unix.Pread(d.fd, buf[got:], off+int64(got))
		if err != nil {
			return newErr("blockio.read", KindIO, err)
		}
		if m == 0 {
			return newErr("blockio.read", KindIO, fmt.Errorf("short read at block %d", n))
		}
		got += m
	}
	return nil
}

// WriteBlock writes exactly BlockSize bytes to block number n.
func (d *BlockDevice) WriteBlock(n uint64, buf []byte) error {
	return d.WriteRange(n, buf)
}

// WriteRange writes len(buf)/BlockSize contiguous blocks starting at n.
func (d *BlockDevice) WriteRange(n uint64, buf []byte) error {
	if d.readOnly {
		return newErr("blockio.write", KindInvalid, fmt.Errorf("device is read-only"))
	}
	if len(buf)%BlockSize != 0 {
		return newErr("blockio.write", KindInvalid, fmt.Errorf("buffer not block-aligned"))
	}
	nblocks := uint64(len(buf) / BlockSize)
	if n+nblocks > d.blocks {
		return newErr("blockio.write", KindIO, fmt.Errorf("block %d+%d out of range (total %d)", n, nblocks, d.blocks))
	}
	off := int64(n) * BlockSize
	put := 0
	for put < len(buf) {
		m, err := unix.Pwrite(d.fd, buf[put:], off+int64(put))
		if err != nil {
			return newErr("blockio.write", KindIO, err)
		}
		if m == 0 {
			return newErr("blockio.write", KindIO, fmt.Errorf("short write at block %d", n))
		}
		put += m
	}
	return nil
}

// Flush issues a synchronous data flush of the backing file (§5 "A
// successful fsync of a file is defined as: flush the current buffer and
// sync the backing file").
func (d *BlockDevice) Flush() error {
	if d.readOnly {
		return nil
	}
	if err := unix.Fdatasync(d.fd); err != nil {
		return newErr("blockio.flush", KindIO, err)
	}
	return nil
}

func (d *BlockDevice) Close() error {
	return d.f.Close()
}
