// fsck.lsfs checks an LSFS image's checkpoint regions, segment table and
// inode map for consistency by driving the library's own recovery path
// and reporting what it finds. It does not read the superblock and
// repairs nothing.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/KarpelesLab/lsfs"
)

func main() {
	verbose := flag.Bool("v", false, "verbose output")
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: fsck.lsfs [-v] <path>")
		os.Exit(1)
	}
	path := flag.Arg(0)

	fi, err := os.Stat(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fsck.lsfs: %s\n", err)
		os.Exit(1)
	}
	totalBlocks := uint64(fi.Size()) / lsfs.BlockSize

	dev, err := lsfs.OpenBlockDevice(path, totalBlocks, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fsck.lsfs: %s\n", err)
		os.Exit(1)
	}
	defer dev.Close()

	l := log.New(os.Stdout, "", 0)
	errs := 0

	fmt.Println("Checking checkpoint regions...")
	result, err := lsfs.Recover(dev, l)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: recovery failed: %s\n", err)
		os.Exit(1)
	}

	fmt.Printf("  active checkpoint region: %d\n", result.ActiveRegion)
	fmt.Printf("  checkpoint sequence:      %d\n", result.Sequence)
	fmt.Printf("  log head:                 %d\n", result.LogHead)
	fmt.Printf("  inode map entries:        %d\n", len(result.InodeMap))
	fmt.Printf("  segment table entries:    %d\n", len(result.SegTable))

	fmt.Println("Checking segment table...")
	seen := make(map[uint32]bool, len(result.SegTable))
	for _, e := range result.SegTable {
		if seen[e.SegmentID] {
			fmt.Printf("  ERROR: duplicate segment id %d\n", e.SegmentID)
			errs++
		}
		seen[e.SegmentID] = true
		if *verbose {
			fmt.Printf("  segment %d: state=%s live=%d\n", e.SegmentID, e.State, e.Live)
		}
	}

	fmt.Println("Checking inode map...")
	seenIno := make(map[uint32]bool, len(result.InodeMap))
	for _, e := range result.InodeMap {
		if seenIno[e.Ino] {
			fmt.Printf("  ERROR: duplicate inode %d in map\n", e.Ino)
			errs++
		}
		seenIno[e.Ino] = true
		if e.Location < lsfs.LogStart || e.Location >= totalBlocks {
			fmt.Printf("  ERROR: inode %d location %d out of range\n", e.Ino, e.Location)
			errs++
		}
	}
	if !seenIno[lsfs.RootIno] {
		fmt.Println("  ERROR: root inode missing from inode map")
		errs++
	}

	if errs == 0 {
		fmt.Println("Filesystem is clean.")
	} else {
		fmt.Printf("Filesystem has %d error(s).\n", errs)
		os.Exit(1)
	}
}
