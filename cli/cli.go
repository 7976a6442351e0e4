package cli

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/lev-os/lev-agentfs"
	"golang.org/x/sys/unix"
)

var StorePath string
var SessionId string
var LogLevel string

func RegisterStorePathFlag() {
	flag.StringVar(
		&StorePath,
		"store",
		"",
		"Path to the filesystem store database.",
	)
}

func RegisterSessionFlag() {
	flag.StringVar(
		&SessionId,
		"session",
		"",
		"Session id or unique prefix, mutually exclusive with -store.",
	)
}

func RegisterLogLevelFlag() {
	flag.StringVar(
		&LogLevel,
		"log-level",
		"info",
		"Log level, one of debug, info, warn, error.",
	)
}

func NewLogger() *slog.Logger {
	var level slog.Level
	switch LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func RegisterFsSignalHandlers(fs agentfs.FileSystem) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, unix.SIGINT, unix.SIGTERM)

	go func() {
		<-sigChan
		signal.Reset()
		fmt.Fprintf(os.Stderr, "closing down due to signal...\n")
		err := fs.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error closing filesystem: %s\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}()
}

// MustOpenFs opens a filesystem from either -store or -session.
func MustOpenFs(logger *slog.Logger, opts agentfs.AttachOpts) agentfs.FileSystem {
	opts.Logger = logger
	if StorePath != "" && SessionId != "" {
		fmt.Fprintf(os.Stderr, "-store and -session are mutually exclusive\n")
		os.Exit(1)
	}
	switch {
	case SessionId != "":
		session, err := agentfs.ResolveSession(SessionId)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to resolve session: %s\n", err)
			os.Exit(1)
		}
		fs, err := agentfs.OpenSession(session, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to open session: %s\n", err)
			os.Exit(1)
		}
		return fs
	case StorePath != "":
		store, err := agentfs.OpenStore(StorePath, agentfs.OpenStoreOpts{Logger: logger})
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to open store: %s\n", err)
			os.Exit(1)
		}
		fs, err := agentfs.Attach(store, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to attach filesystem: %s\n", err)
			os.Exit(1)
		}
		return fs
	default:
		fmt.Fprintf(os.Stderr, "one of -store or -session is required\n")
		os.Exit(1)
		return nil
	}
}
