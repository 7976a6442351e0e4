package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/lev-os/lev-agentfs"
)

func usage() {
	fmt.Printf("agentfs-mkfs [OPTS] STORE.db\n\n")
	flag.Usage()
	os.Exit(1)
}

func main() {
	chunkSize := flag.Uint64("chunk-size", agentfs.DEFAULT_CHUNK_SIZE, "File chunk size in bytes, fixed at format time.")
	overwrite := flag.Bool("overwrite", false, "Reformat the store even if it is already formatted.")

	flag.Parse()

	if len(flag.Args()) != 1 {
		usage()
	}

	err := agentfs.Mkfs(flag.Args()[0], agentfs.MkfsOpts{
		ChunkSize: *chunkSize,
		Overwrite: *overwrite,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to format store: %s\n", err)
		os.Exit(1)
	}
}
