package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/codeGROOVE-dev/metacache"
	"github.com/codeGROOVE-dev/metacache/pkg/persist"
	"github.com/codeGROOVE-dev/metacache/pkg/store/cloudrun"
	"github.com/codeGROOVE-dev/metacache/pkg/store/datastore"
	"github.com/codeGROOVE-dev/metacache/pkg/store/localfs"
	"github.com/codeGROOVE-dev/metacache/pkg/store/memory"
	"github.com/codeGROOVE-dev/metacache/pkg/store/null"
	"github.com/codeGROOVE-dev/metacache/pkg/store/valkey"
)

const defaultCacheID = "metacache"

var errUnsupportedFormat = errors.New("unsupported config format")

// settings is the merged view of the config file and command-line flags.
type settings struct {
	Backend     string `koanf:"backend"`
	Dir         string `koanf:"dir"`
	CacheID     string `koanf:"cache_id"`
	Quota       int64  `koanf:"quota"`
	Compression string `koanf:"compression"`
	Addr        string `koanf:"addr"`
	Prefix      string `koanf:"prefix"`
	Priority    int    `koanf:"priority"`
	Recheck     string `koanf:"recheck"`
	Verbose     bool   `koanf:"verbose"`
}

func defaultSettings() settings {
	return settings{
		Backend: "localfs",
		CacheID: defaultCacheID,
		Addr:    "localhost:6379",
	}
}

// loadSettings reads path (if set) over the defaults. The format follows the
// file extension.
func loadSettings(path string) (settings, error) {
	s := defaultSettings()
	if path == "" {
		return s, nil
	}

	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return s, fmt.Errorf("%w: %q", errUnsupportedFormat, ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read config: %w", err)
	}
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), parser); err != nil {
		return s, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := k.UnmarshalWithConf("", &s, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return s, fmt.Errorf("decode config %s: %w", path, err)
	}
	return s, nil
}

// settingsFromCommand loads the config file named by --config and applies any
// flags set explicitly on the command line.
func settingsFromCommand(cmd *cli.Command) (settings, error) {
	s, err := loadSettings(cmd.String("config"))
	if err != nil {
		return s, err
	}
	if cmd.IsSet("backend") {
		s.Backend = cmd.String("backend")
	}
	if cmd.IsSet("dir") {
		s.Dir = cmd.String("dir")
	}
	if cmd.IsSet("cache-id") {
		s.CacheID = cmd.String("cache-id")
	}
	if cmd.IsSet("quota") {
		s.Quota = cmd.Int64("quota")
	}
	if cmd.IsSet("compression") {
		s.Compression = cmd.String("compression")
	}
	if cmd.IsSet("addr") {
		s.Addr = cmd.String("addr")
	}
	if cmd.IsSet("prefix") {
		s.Prefix = cmd.String("prefix")
	}
	if cmd.IsSet("priority") {
		s.Priority = cmd.Int("priority")
	}
	if cmd.IsSet("recheck") {
		s.Recheck = cmd.Duration("recheck").String()
	}
	if cmd.IsSet("verbose") {
		s.Verbose = cmd.Bool("verbose")
	}
	return s, nil
}

func openStore(ctx context.Context, s settings) (persist.Store, error) {
	comp, err := localfs.ParseCompression(s.Compression)
	if err != nil {
		return nil, &usageError{msg: err.Error()}
	}
	fsOpts := []localfs.Option{localfs.WithQuota(s.Quota), localfs.WithCompression(comp)}

	switch s.Backend {
	case "localfs", "":
		return localfs.New(s.CacheID, s.Dir, fsOpts...)
	case "memory":
		return memory.New(memory.WithQuota(s.Quota)), nil
	case "valkey":
		return valkey.New(ctx, s.CacheID, s.Addr)
	case "datastore":
		return datastore.New(ctx, s.CacheID)
	case "cloudrun":
		return cloudrun.New(ctx, s.CacheID, fsOpts...)
	case "null":
		return null.New(), nil
	default:
		return nil, &usageError{msg: fmt.Sprintf("unknown backend %q", s.Backend)}
	}
}

func (s settings) options() ([]metacache.Option, error) {
	level := slog.LevelWarn
	if s.Verbose {
		level = slog.LevelDebug
	}
	opts := []metacache.Option{
		metacache.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))),
		metacache.WithKeyPrefix(s.Prefix),
	}
	if s.Priority != 0 {
		opts = append(opts, metacache.WithPriority(s.Priority))
	}
	if s.Recheck != "" {
		d, err := time.ParseDuration(s.Recheck)
		if err != nil {
			return nil, &usageError{msg: fmt.Sprintf("recheck: %v", err)}
		}
		opts = append(opts, metacache.WithRecheckDelay(d))
	}
	return opts, nil
}

// openCache builds a Cache from the command's settings. The caller closes it.
func openCache(ctx context.Context, cmd *cli.Command) (*metacache.Cache, error) {
	s, err := settingsFromCommand(cmd)
	if err != nil {
		return nil, err
	}
	opts, err := s.options()
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, s)
	if err != nil {
		return nil, err
	}
	c, err := metacache.New(ctx, store, opts...)
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}
	return c, nil
}
