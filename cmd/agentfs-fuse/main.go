package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/lev-os/lev-agentfs"
	"github.com/lev-os/lev-agentfs/cli"
)

func usage() {
	fmt.Printf("agentfs-fuse [OPTS] MOUNTPOINT\n\n")
	flag.Usage()
	os.Exit(1)
}

func main() {
	cli.RegisterStorePathFlag()
	cli.RegisterSessionFlag()
	cli.RegisterLogLevelFlag()
	configPath := flag.String("config", "", "Mount configuration file, flags override nothing when set.")
	baseDir := flag.String("base-dir", "", "Host directory to overlay the store over (ignored with -session).")
	debugFuse := flag.Bool("debug-fuse", false, "Log fuse messages.")
	readdirPlus := flag.Bool("readdir-plus", true, "Batch stat and readdir calls together when listing directories.")
	gcUnlinkedInterval := flag.Duration("gc-unlinked-interval", 8*time.Hour, "Unlinked inode garbage collection interval (0 to disable).")
	unlinkRemovalDelay := flag.Duration("unlink-removal-delay", 15*time.Minute, "Grace period for removal of unlinked files.")
	notifyCommand := flag.String("notify-command", "", "A command to run via sh -c \"$CMD\" once the filesystem is successfully mounted.")

	flag.Parse()

	var hooks *agentfs.HookRegistry
	logger := cli.NewLogger()
	mntDir := ""
	if len(flag.Args()) == 1 {
		mntDir = flag.Args()[0]
	}

	if *configPath != "" {
		cfg, err := agentfs.LoadMountConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", err)
			os.Exit(1)
		}
		logger = cfg.NewLogger()
		hooks = cfg.BuildHookRegistry(logger)
		cli.StorePath = cfg.StorePath
		cli.SessionId = cfg.Session
		*baseDir = cfg.BaseDir
		if mntDir == "" {
			mntDir = cfg.Mountpoint
		}
	}

	if mntDir == "" {
		usage()
	}

	fs := cli.MustOpenFs(logger, agentfs.AttachOpts{Hooks: hooks})
	defer fs.Close()

	if *baseDir != "" {
		inner, ok := fs.(*agentfs.Fs)
		if !ok {
			fmt.Fprintf(os.Stderr, "-base-dir cannot be combined with an overlay session\n")
			os.Exit(1)
		}
		base, err := agentfs.NewHostFs(*baseDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to open base directory: %s\n", err)
			os.Exit(1)
		}
		fs, err = agentfs.NewOverlay(base, inner, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to build overlay: %s\n", err)
			os.Exit(1)
		}
	}

	cli.RegisterFsSignalHandlers(fs)

	server, err := fuse.NewServer(
		agentfs.NewFuseFs(fs),
		mntDir,
		&fuse.MountOptions{
			Name:                 "agentfs",
			AllowOther:           false,
			IgnoreSecurityLabels: true,
			Debug:                *debugFuse,
			DisableReadDirPlus:   !*readdirPlus,
			MaxWrite:             fuse.MAX_KERNEL_WRITE,
			MaxReadAhead:         fuse.MAX_KERNEL_WRITE,
		})
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to create fuse server: %s\n", err)
		os.Exit(1)
	}

	go server.Serve()

	err = server.WaitMount()
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to wait for mount: %s\n", err)
		os.Exit(1)
	}
	logger.Info("filesystem successfully mounted", "mountpoint", mntDir)

	if *gcUnlinkedInterval != 0 {
		gcFs, ok := fs.(*agentfs.Fs)
		if !ok {
			if overlay, isOverlay := fs.(*agentfs.Overlay); isOverlay {
				gcFs = overlay.Delta()
			}
		}
		if gcFs != nil {
			go func() {
				for {
					time.Sleep(*gcUnlinkedInterval)
					nRemoved, err := gcFs.RemoveExpiredUnlinked(context.Background(), *unlinkRemovalDelay)
					if err != nil {
						logger.Error("error removing unlinked inodes", "err", err)
						continue
					}
					logger.Info("garbage collection removed unlinked inodes", "count", nRemoved)
				}
			}()
		}
	}

	if *notifyCommand != "" {
		cmdOut, err := exec.Command("sh", "-c", *notifyCommand).CombinedOutput()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error running notify command: %s, output: %q\n", err, string(cmdOut))
			os.Exit(1)
		}
	}

	// Serve until unmounted by calling fusermount -u.
	server.Wait()
}
