package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/cheynewallace/tabby"
	"github.com/lev-os/lev-agentfs"
)

func usage() {
	fmt.Printf("agentfs-sessions [OPTS] {list|create|rm SESSION}\n\n")
	flag.Usage()
	os.Exit(1)
}

func main() {
	baseDir := flag.String("base-dir", "", "Host directory the new session overlays (create only).")
	chunkSize := flag.Uint64("chunk-size", agentfs.DEFAULT_CHUNK_SIZE, "File chunk size for the new session's store (create only).")

	flag.Parse()

	if len(flag.Args()) == 0 {
		usage()
	}

	switch flag.Args()[0] {
	case "list":
		sessions, err := agentfs.ListSessions()
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to list sessions: %s\n", err)
			os.Exit(1)
		}
		t := tabby.New()
		t.AddHeader("ID", "CREATED", "BASE", "STORE")
		for _, session := range sessions {
			t.AddLine(
				session.Id,
				session.CreatedAt.Local().Format(time.Stamp),
				session.BaseDir,
				session.StorePath(),
			)
		}
		t.Print()
	case "create":
		session, err := agentfs.CreateSession(agentfs.CreateSessionOpts{
			BaseDir:   *baseDir,
			ChunkSize: *chunkSize,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to create session: %s\n", err)
			os.Exit(1)
		}
		fmt.Println(session.Id)
	case "rm":
		if len(flag.Args()) != 2 {
			usage()
		}
		err := agentfs.RemoveSession(flag.Args()[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to remove session: %s\n", err)
			os.Exit(1)
		}
	default:
		usage()
	}
}
