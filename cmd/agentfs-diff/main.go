package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/cheynewallace/tabby"
	"github.com/lev-os/lev-agentfs"
	"github.com/lev-os/lev-agentfs/cli"
)

func usage() {
	fmt.Printf("agentfs-diff [OPTS]\n\nReports the changes a session or store makes over its base directory.\n\n")
	flag.Usage()
	os.Exit(1)
}

func main() {
	cli.RegisterStorePathFlag()
	cli.RegisterSessionFlag()
	cli.RegisterLogLevelFlag()
	baseDir := flag.String("base-dir", "", "Base directory when diffing a raw store instead of a session.")

	flag.Parse()

	if len(flag.Args()) != 0 {
		usage()
	}

	logger := cli.NewLogger()
	fs := cli.MustOpenFs(logger, agentfs.AttachOpts{})
	defer fs.Close()

	overlay, ok := fs.(*agentfs.Overlay)
	if !ok {
		inner, isFs := fs.(*agentfs.Fs)
		if !isFs || *baseDir == "" {
			fmt.Fprintf(os.Stderr, "diff needs an overlay session or -store with -base-dir\n")
			os.Exit(1)
		}
		base, err := agentfs.NewHostFs(*baseDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to open base directory: %s\n", err)
			os.Exit(1)
		}
		overlay, err = agentfs.NewOverlay(base, inner, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to build overlay: %s\n", err)
			os.Exit(1)
		}
	}

	entries, err := overlay.Diff(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to compute diff: %s\n", err)
		os.Exit(1)
	}

	t := tabby.New()
	t.AddHeader("CHANGE", "PATH")
	for _, entry := range entries {
		t.AddLine(entry.Kind.String(), entry.Path)
	}
	t.Print()
}
