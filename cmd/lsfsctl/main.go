// lsfsctl is a small inspection CLI for LSFS images: subcommand dispatch
// over os.Args, each subcommand mounting the image read-only.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/KarpelesLab/lsfs"
)

const usage = `lsfsctl - LSFS inspection tool

Usage:
  lsfsctl ls <image> [<path>]     List files in the given directory (default: /)
  lsfsctl cat <image> <path>      Print the contents of a file
  lsfsctl info <image>            Print superblock and usage information
  lsfsctl help                    Show this help message
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "ls":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: missing image path")
			os.Exit(1)
		}
		path := "/"
		if len(os.Args) > 3 {
			path = os.Args[3]
		}
		if err := list(os.Args[2], path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
	case "cat":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Error: missing image path or file")
			os.Exit(1)
		}
		if err := cat(os.Args[2], os.Args[3]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
	case "info":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: missing image path")
			os.Exit(1)
		}
		if err := info(os.Args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
	case "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", os.Args[1])
		fmt.Print(usage)
		os.Exit(1)
	}
}

func resolve(fsys *lsfs.FS, path string) (uint32, error) {
	ino := uint32(lsfs.RootIno)
	path = strings.Trim(path, "/")
	if path == "" {
		return ino, nil
	}
	for _, part := range strings.Split(path, "/") {
		next, _, err := fsys.Lookup(ino, part)
		if err != nil {
			return 0, err
		}
		ino = next
	}
	return ino, nil
}

func list(image, path string) error {
	fsys, err := lsfs.Mount(image, lsfs.ReadOnly())
	if err != nil {
		return err
	}
	defer fsys.Close()

	ino, err := resolve(fsys, path)
	if err != nil {
		return err
	}
	var resume uint64
	for {
		views, next, err := fsys.ReadDir(ino, resume, 128)
		if err != nil {
			return err
		}
		for _, v := range views {
			attr, err := fsys.GetAttr(v.Ino)
			kind := "-"
			if err == nil {
				kind = fmt.Sprintf("mode=%#o size=%d", attr.Mode&0o7777, attr.Size)
			}
			fmt.Printf("%-8d %-20s %s\n", v.Ino, v.Name, kind)
		}
		if len(views) == 0 || next == 0 {
			break
		}
		resume = next
	}
	return nil
}

func cat(image, path string) error {
	fsys, err := lsfs.Mount(image, lsfs.ReadOnly())
	if err != nil {
		return err
	}
	defer fsys.Close()

	ino, err := resolve(fsys, path)
	if err != nil {
		return err
	}
	attr, err := fsys.GetAttr(ino)
	if err != nil {
		return err
	}
	data, err := fsys.Read(ino, 0, int(attr.Size))
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func info(image string) error {
	fsys, err := lsfs.Mount(image, lsfs.ReadOnly())
	if err != nil {
		return err
	}
	defer fsys.Close()

	st := fsys.Statfs()
	fmt.Println("LSFS Image Information")
	fmt.Println("======================")
	fmt.Printf("Block size:       %d bytes\n", st.BlockSize)
	fmt.Printf("Total blocks:     %d\n", st.TotalBlocks)
	fmt.Printf("Free blocks:      %d\n", st.FreeBlocks)
	fmt.Printf("Total segments:   %d\n", st.TotalSegments)
	fmt.Printf("Free segments:    %d\n", st.FreeSegments)
	fmt.Printf("Inode count:      %d\n", st.TotalInodes)
	fmt.Printf("Flags:            %s\n", fsys.Flags())
	return nil
}
