// Package binsync provides the public Go library API for binsync.
//
// binsync is a declarative state reconciler for a fleet of versioned local
// binaries and the Windows services that wrap them. This package exposes a
// constructor and high-level operations for embedding binsync in other Go
// programs; the binsync CLI is a thin layer over it.
//
// # Basic Usage
//
//	client, err := binsync.New(binsync.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Reconcile the host against a desired-state manifest
//	report, err := client.Reconcile(ctx, binsync.ReconcileOptions{
//	    ManifestPath: "manifest.json",
//	})
//
//	// Summarize actual state and drift
//	status, err := client.Status(ctx)
package binsync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"binsync/internal/diff"
	"binsync/internal/inspect"
	"binsync/internal/logging"
	"binsync/internal/manifest"
	"binsync/internal/pathspec"
	"binsync/internal/reconcile"
	"binsync/internal/registry"
	"binsync/internal/rollback"
	"binsync/internal/runlock"
	"binsync/internal/service"
	"binsync/internal/snapshot"
	"binsync/internal/stage"
	"binsync/internal/swap"
)

// Options configures a binsync client.
type Options struct {
	// Root overrides the binsync tree. If empty, BINSYNC_HOME and then the
	// platform data directory decide.
	Root string

	// JSON reserves stdout for machine output and moves console logs to
	// stderr.
	JSON bool

	// Verbose lowers the log level to debug.
	Verbose bool

	// Quiet raises the console log level to warnings. The log file always
	// receives everything.
	Quiet bool

	// ServiceTimeout bounds each service stop/start wait. Zero means the
	// built-in default.
	ServiceTimeout time.Duration
}

// ReconcileOptions configures one reconciliation run.
type ReconcileOptions struct {
	// ManifestPath locates the desired-state manifest. The manifest is
	// assumed already signature-verified by the caller.
	ManifestPath string

	// DryRun stops after the diff and mutates nothing.
	DryRun bool
}

// CleanupOptions select what Cleanup prunes.
type CleanupOptions struct {
	// Staging prunes per-run staging directories and the download cache.
	Staging bool

	// Snapshots prunes old snapshots, keeping the newest Keep of them. The
	// newest and the current snapshot always survive.
	Snapshots bool
	Keep      int
}

// Client is the main entry point for the binsync library.
type Client struct {
	paths  *pathspec.PathSpace
	rec    *reconcile.Reconciler
	logger *logging.RunLogger
	runID  string
}

// New resolves the directory layout, opens the run log, and wires the
// reconciler with its collaborators.
func New(opts Options) (*Client, error) {
	paths, err := pathspec.New(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving directory layout: %w", err)
	}

	runID := uuid.NewString()
	runLog, err := logging.Open(logging.Options{
		Dir:     paths.Logs,
		RunID:   runID,
		JSON:    opts.JSON,
		Verbose: opts.Verbose,
		Quiet:   opts.Quiet,
	})
	if err != nil {
		return nil, err
	}
	log := runLog.Logger

	reg, err := registry.Load(paths.RegistryPath())
	if err != nil {
		runLog.Close()
		return nil, err
	}

	store := snapshot.New(paths, log)
	services := service.New(log)

	rec := &reconcile.Reconciler{
		Paths:          paths,
		Registry:       reg,
		Inspector:      inspect.New(paths, log),
		Differ:         diff.New(log),
		Stager:         stage.New(paths, log),
		Services:       services,
		Swapper:        swap.New(store, log),
		Rollback:       rollback.New(paths, store, services, log),
		Snapshots:      store,
		Locker:         runlock.New(paths.LockPath(), log),
		Log:            log,
		ServiceTimeout: opts.ServiceTimeout,
	}

	return &Client{paths: paths, rec: rec, logger: runLog, runID: runID}, nil
}

// Close flushes and closes the run log.
func (c *Client) Close() error {
	return c.logger.Close()
}

// LogPath returns the active log file.
func (c *Client) LogPath() string {
	return c.logger.Path
}

// Root returns the resolved binsync tree root.
func (c *Client) Root() string {
	return c.paths.Root
}

// Reconcile drives one full run against the manifest.
func (c *Client) Reconcile(ctx context.Context, opts ReconcileOptions) (*Report, error) {
	return c.rec.Reconcile(ctx, opts.ManifestPath, reconcile.Options{
		RunID:   c.runID,
		DryRun:  opts.DryRun,
		LogPath: c.logger.Path,
	})
}

// Status inspects every known binary and summarizes health, service state,
// and drift against the last applied manifest.
func (c *Client) Status(ctx context.Context) (*StatusReport, error) {
	return c.rec.Status(ctx)
}

// Inspect returns the raw contract output of every known binary.
func (c *Client) Inspect(ctx context.Context) (*InspectReport, error) {
	return c.rec.Inspect(ctx)
}

// GenerateManifest derives a baseline manifest mirroring actual state.
func (c *Client) GenerateManifest(ctx context.Context, systemVersion string) (*manifest.Manifest, error) {
	return c.rec.GenerateManifest(ctx, systemVersion)
}

// Rollback restores the named snapshot, or the latest one when id is empty.
func (c *Client) Rollback(ctx context.Context, snapshotID string) (*RollbackReport, error) {
	return c.rec.RollbackTo(ctx, snapshotID)
}

// Snapshots lists the snapshots on disk, newest first.
func (c *Client) Snapshots() ([]*snapshot.Snapshot, error) {
	return c.rec.Snapshots.List()
}

// Cleanup prunes staging directories, the download cache, and old snapshots.
func (c *Client) Cleanup(opts CleanupOptions) (*CleanupReport, error) {
	return c.rec.Cleanup(reconcile.CleanupOptions{
		Staging:   opts.Staging,
		Snapshots: opts.Snapshots,
		Keep:      opts.Keep,
	})
}
