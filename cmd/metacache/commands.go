package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/codeGROOVE-dev/metacache"
	"github.com/codeGROOVE-dev/metacache/pkg/cachecontrol"
)

const defaultMaxAge = time.Hour

// exitError carries a non-zero exit code for a command that already reported
// its outcome.
type exitError struct {
	code int
}

func (*exitError) Error() string { return "" }

// usageError is a bad argument or flag value.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func createCommands() []*cli.Command {
	return []*cli.Command{
		createGetCommand(),
		createSetCommand(),
		createRemoveCommand(),
		createPurgeCommand(),
		createStatsCommand(),
		createKeysCommand(),
	}
}

// withCache opens the configured cache, runs fn and closes the cache.
func withCache(ctx context.Context, cmd *cli.Command, fn func(*metacache.Cache, io.Writer) error) (err error) {
	c, err := openCache(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(c, cmd.Root().Writer)
}

func wantArgs(cmd *cli.Command, n int) error {
	if got := cmd.Args().Len(); got != n {
		return &usageError{msg: fmt.Sprintf("%s: expected %d argument(s), got %d", cmd.Name, n, got)}
	}
	return nil
}

func createGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "print a value (exit code 1 on a miss)",
		ArgsUsage: "<key>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "meta", Aliases: []string{"m"}, Usage: "print metadata instead of the value"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := wantArgs(cmd, 1); err != nil {
				return err
			}
			return withCache(ctx, cmd, func(c *metacache.Cache, w io.Writer) error {
				return cmdGet(ctx, c, w, cmd.Args().First(), cmd.Bool("meta"))
			})
		},
	}
}

func cmdGet(ctx context.Context, c *metacache.Cache, w io.Writer, key string, meta bool) error {
	item, found, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return &exitError{code: 1}
	}
	if meta {
		writeMeta(w, item.Meta)
		return nil
	}
	_, err = w.Write(item.Value)
	return err
}

func writeMeta(w io.Writer, m metacache.Meta) {
	fmt.Fprintf(w, "access:   %s\n", m.Access.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "expires:  %s\n", m.Expires.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "max-age:  %s\n", m.MaxAge)
	fmt.Fprintf(w, "stale:    %s\n", m.Stale)
	fmt.Fprintf(w, "priority: %d\n", m.Priority)
	fmt.Fprintf(w, "size:     %d\n", m.Size)
	fmt.Fprintf(w, "is-stale: %t\n", m.IsStale)
}

func createSetCommand() *cli.Command {
	return &cli.Command{
		Name:      "set",
		Usage:     "store a value",
		ArgsUsage: "<key> <value|->",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "cache-control", Aliases: []string{"C"}, Usage: "Cache-Control directives (overrides --max-age and --stale)"},
			&cli.DurationFlag{Name: "max-age", Value: defaultMaxAge, Usage: "freshness lifetime"},
			&cli.DurationFlag{Name: "stale", Usage: "stale-while-revalidate window"},
			&cli.IntFlag{Name: "record-priority", Aliases: []string{"p"}, Usage: "eviction priority for this record"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := wantArgs(cmd, 2); err != nil {
				return err
			}
			value := []byte(cmd.Args().Get(1))
			if string(value) == "-" {
				var err error
				if value, err = io.ReadAll(cmd.Root().Reader); err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
			}
			opts := metacache.SetOptions{
				CacheControl: cacheControl(cmd.String("cache-control"), cmd.Duration("max-age"), cmd.Duration("stale")),
				Priority:     cmd.Int("record-priority"),
			}
			return withCache(ctx, cmd, func(c *metacache.Cache, _ io.Writer) error {
				return c.Set(ctx, cmd.Args().First(), value, opts)
			})
		},
	}
}

// cacheControl returns raw when set, otherwise directives built from maxAge
// and stale rounded down to whole seconds.
func cacheControl(raw string, maxAge, stale time.Duration) string {
	if raw != "" {
		return raw
	}
	d := cachecontrol.Directives{}
	add := func(name string, v time.Duration) {
		secs := int64(v / time.Second)
		d[name] = cachecontrol.Directive{Raw: strconv.FormatInt(secs, 10), Value: secs, Valid: true}
	}
	add(cachecontrol.MaxAge, maxAge)
	if stale > 0 {
		add(cachecontrol.StaleWhileRevalidate, stale)
	}
	return d.String()
}

func createRemoveCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "remove a value",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := wantArgs(cmd, 1); err != nil {
				return err
			}
			return withCache(ctx, cmd, func(c *metacache.Cache, _ io.Writer) error {
				return c.Remove(ctx, cmd.Args().First())
			})
		},
	}
}

func createPurgeCommand() *cli.Command {
	return &cli.Command{
		Name:  "purge",
		Usage: "evict records, most evictable first",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "bytes", Usage: "bytes to free"},
			&cli.BoolFlag{Name: "all", Usage: "evict every record"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			need := cmd.Int64("bytes")
			switch {
			case cmd.Bool("all"):
				need = -1
			case need <= 0:
				return &usageError{msg: "purge: one of --bytes or --all is required"}
			}
			return withCache(ctx, cmd, func(c *metacache.Cache, w io.Writer) error {
				res, err := c.Purge(ctx, need, true)
				for _, k := range res.Keys {
					fmt.Fprintln(w, k)
				}
				fmt.Fprintf(w, "freed %d bytes from %d records\n", res.Freed, len(res.Keys))
				return err
			})
		},
	}
}

func createStatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "show this process's counters and disk usage",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "du", Usage: "total every record in the store"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withCache(ctx, cmd, func(c *metacache.Cache, w io.Writer) error {
				s, err := c.Stats(ctx, metacache.StatsOptions{DiskUsage: cmd.Bool("du")})
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "enabled:  %t\n", s.Enabled)
				fmt.Fprintf(w, "hit:      %d\n", s.Hit)
				fmt.Fprintf(w, "miss:     %d\n", s.Miss)
				fmt.Fprintf(w, "stale:    %d\n", s.Stale)
				fmt.Fprintf(w, "error:    %d\n", s.Error)
				fmt.Fprintf(w, "revalidate-success: %d\n", s.RevalidateSuccess)
				fmt.Fprintf(w, "revalidate-failure: %d\n", s.RevalidateFailure)
				fmt.Fprintf(w, "disables: %d\n", s.Disables)
				if s.DiskUsage != nil {
					fmt.Fprintf(w, "records:  %d\n", s.DiskUsage.Count)
					fmt.Fprintf(w, "bytes:    %d\n", s.DiskUsage.Size)
				}
				return nil
			})
		},
	}
}

func createKeysCommand() *cli.Command {
	return &cli.Command{
		Name:  "keys",
		Usage: "list keys, most recently accessed first",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "maximum keys to print (0 = all)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withCache(ctx, cmd, func(c *metacache.Cache, w io.Writer) error {
				keys, err := c.Keys(ctx, cmd.Int("limit"))
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Fprintln(w, k)
				}
				return nil
			})
		},
	}
}
