// Package cli implements the photrack command line interface: a cobra
// command tree that wires parameter files, aperture files and run
// directories into reduction engines.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"photrack/internal/config"
	"photrack/internal/server"
	"photrack/internal/storage"
)

const version = "v0.6.0-dev"

// serveFunc starts the HTTP monitor for a running engine. Tests swap
// in a stub.
type serveFunc func(ctx context.Context, addr string, eng server.Engine, store *storage.Store, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, eng server.Engine, store *storage.Store, log *slog.Logger) error {
	return server.New(addr, eng, store, log).Start(ctx)
}

// Root carries the state every command shares.
type Root struct {
	cfg     *config.App
	log     *slog.Logger
	out     io.Writer
	serveFn serveFunc
}

// NewRoot constructs the shared command state. The logger may be nil;
// the root command then builds one from the configured level and
// format once flags are parsed.
func NewRoot(cfg *config.App, log *slog.Logger) *Root {
	return &Root{
		cfg:     cfg,
		log:     log,
		out:     os.Stdout,
		serveFn: defaultServe,
	}
}

// Execute loads the tool configuration, builds the command tree and
// runs it. It is the entry point used by cmd/photrack.
func Execute() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "photrack: %v\n", err)
		os.Exit(1)
	}
	root := NewRoot(cfg, nil)
	if err := NewRootCmd(root).Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveRunDir expands a run directory path, resolving relative paths
// under the configured data directory.
func (r *Root) resolveRunDir(dir string) (string, error) {
	expanded, err := config.ExpandUser(dir)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(expanded) {
		return expanded, nil
	}
	base, err := config.ExpandUser(r.cfg.Paths.DataDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, expanded), nil
}
