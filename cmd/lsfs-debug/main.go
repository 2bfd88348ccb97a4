// lsfs-debug inspects an LSFS image's superblock and segment table,
// optionally compressing a full diagnostic dump for archival or
// transport.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/KarpelesLab/lsfs"
)

func main() {
	compress := flag.String("compress", "none", "dump compression: none, gzip, xz, zstd")
	out := flag.String("o", "", "output file (default: stdout)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: lsfs-debug [-compress=none|gzip|xz|zstd] [-o file] <path>")
		os.Exit(1)
	}

	var kind lsfs.DumpCompression
	switch *compress {
	case "none":
		kind = lsfs.DumpNone
	case "gzip":
		kind = lsfs.DumpGzip
	case "xz":
		kind = lsfs.DumpXZ
	case "zstd":
		kind = lsfs.DumpZstd
	default:
		fmt.Fprintf(os.Stderr, "lsfs-debug: unknown compression %q\n", *compress)
		os.Exit(1)
	}

	fsys, err := lsfs.Mount(flag.Arg(0), lsfs.ReadOnly())
	if err != nil {
		fmt.Fprintf(os.Stderr, "lsfs-debug: %s\n", err)
		os.Exit(1)
	}
	defer fsys.Close()

	w := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "lsfs-debug: %s\n", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	if err := fsys.DumpDiagnostics(w, kind); err != nil {
		fmt.Fprintf(os.Stderr, "lsfs-debug: %s\n", err)
		os.Exit(1)
	}
}
