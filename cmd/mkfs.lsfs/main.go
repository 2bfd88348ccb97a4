// mkfs.lsfs formats a new LSFS image, with a size-only option surface.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/KarpelesLab/lsfs"
)

func main() {
	sizeMB := flag.Int("size", 256, "image size in megabytes")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: mkfs.lsfs [-size MB] <path>")
		os.Exit(1)
	}
	path := flag.Arg(0)
	totalBlocks := uint64(*sizeMB) * 1024 * 1024 / lsfs.BlockSize

	fmt.Printf("Creating LSFS filesystem:\n")
	fmt.Printf("  Path:     %s\n", path)
	fmt.Printf("  Size:     %d MB\n", *sizeMB)
	fmt.Printf("  Blocks:   %d\n", totalBlocks)

	if err := lsfs.Format(path, totalBlocks); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs.lsfs: %s\n", err)
		os.Exit(1)
	}
	fmt.Println("Done.")
}
