//go:build fuse

// lsfs-mount attaches an LSFS image to a directory via FUSE. Built only
// with -tags fuse.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/KarpelesLab/lsfs"

	fusefs "github.com/hanwen/go-fuse/v2/fs"
)

func main() {
	ro := flag.Bool("ro", false, "mount read-only")
	flag.Parse()
	if flag.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "usage: lsfs-mount [-ro] <image> <mountpoint>")
		os.Exit(1)
	}

	var opts []lsfs.Option
	if *ro {
		opts = append(opts, lsfs.ReadOnly())
	}
	fsys, err := lsfs.Mount(flag.Arg(0), opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lsfs-mount: %s\n", err)
		os.Exit(1)
	}
	defer fsys.Close()

	server, err := lsfs.MountFUSE(fsys, flag.Arg(1), &fusefs.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "lsfs-mount: %s\n", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("lsfs-mount: unmounting")
		server.Unmount()
	}()

	server.Wait()
}
