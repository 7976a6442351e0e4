package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/lev-os/lev-agentfs"
	"github.com/lev-os/lev-agentfs/cli"
)

func usage() {
	fmt.Printf("agentfs-gc [OPTS]\n\nReclaims unlinked inodes left behind by crashed mounts.\n\n")
	flag.Usage()
	os.Exit(1)
}

func main() {
	cli.RegisterStorePathFlag()
	cli.RegisterSessionFlag()
	cli.RegisterLogLevelFlag()
	removalDelay := flag.Duration("unlink-removal-delay", 15*time.Minute, "Grace period for removal of unlinked files.")

	flag.Parse()

	if len(flag.Args()) != 0 {
		usage()
	}

	logger := cli.NewLogger()
	fs := cli.MustOpenFs(logger, agentfs.AttachOpts{})
	defer fs.Close()

	gcFs, ok := fs.(*agentfs.Fs)
	if !ok {
		if overlay, isOverlay := fs.(*agentfs.Overlay); isOverlay {
			gcFs = overlay.Delta()
		} else {
			fmt.Fprintf(os.Stderr, "filesystem does not support garbage collection\n")
			os.Exit(1)
		}
	}

	nRemoved, err := gcFs.RemoveExpiredUnlinked(context.Background(), *removalDelay)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to remove unlinked inodes: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("removed %d unlinked inodes\n", nRemoved)
}
