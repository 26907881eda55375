// metacache is a command-line client for a metacache store.
//
// Usage:
//
//	metacache [global options] <command> [arguments]
//
// Global options:
//
//	-c, --config       YAML or JSON config file
//	-b, --backend      memory, localfs, valkey, datastore, cloudrun or null
//	    --dir          localfs directory
//	    --cache-id     backend namespace
//	    --quota        localfs/memory byte quota (0 = unlimited)
//	    --compression  localfs compression: none, zstd or lz4
//	    --addr         valkey address
//	    --prefix       key prefix inside the backend
//	    --priority     default eviction priority
//	    --recheck      delay before writes are retried after a quota failure
//	-v, --verbose      debug logging
//
// Commands:
//
//	get <key>          print a value
//	set <key> <value>  store a value (reads stdin when value is "-")
//	rm <key>           remove a value
//	purge              evict records to free space
//	stats              show counters
//	keys               list keys, most recently accessed first
//
// Exit codes:
//
//	0: success
//	1: failure, or get found nothing
//	2: usage error
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

// Set with -ldflags "-X main.Version=...".
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
)

func main() {
	os.Exit(run(os.Args))
}

func createApp() *cli.Command {
	return &cli.Command{
		Name:     "metacache",
		Usage:    "inspect and modify a metacache store",
		Version:  fmt.Sprintf("%s (commit: %s)", Version, GitCommit),
		Flags:    globalFlags(),
		Commands: createCommands(),
		ExitErrHandler: func(_ context.Context, _ *cli.Command, err error) {
			if _, ok := err.(cli.ExitCoder); ok {
				fmt.Fprintln(os.Stderr, err)
			}
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML or JSON config file"},
		&cli.StringFlag{Name: "backend", Aliases: []string{"b"}, Usage: "memory, localfs, valkey, datastore, cloudrun or null"},
		&cli.StringFlag{Name: "dir", Usage: "localfs directory (default: user cache dir)"},
		&cli.StringFlag{Name: "cache-id", Usage: "backend namespace"},
		&cli.Int64Flag{Name: "quota", Usage: "byte quota for localfs and memory (0 = unlimited)"},
		&cli.StringFlag{Name: "compression", Usage: "localfs compression: none, zstd or lz4"},
		&cli.StringFlag{Name: "addr", Usage: "valkey address"},
		&cli.StringFlag{Name: "prefix", Usage: "key prefix inside the backend"},
		&cli.IntFlag{Name: "priority", Usage: "default eviction priority"},
		&cli.DurationFlag{Name: "recheck", Usage: "delay before writes are retried after a quota failure (negative = never)"},
		&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "debug logging"},
	}
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := createApp().Run(ctx, args); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		var usageErr *usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintf(os.Stderr, "usage: %v\n", usageErr)
			return 2
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
