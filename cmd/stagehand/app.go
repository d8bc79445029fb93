package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/mattjoyce/stagehand/internal/config"
	"github.com/mattjoyce/stagehand/internal/descriptor"
	"github.com/mattjoyce/stagehand/internal/dispatch"
	"github.com/mattjoyce/stagehand/internal/events"
	"github.com/mattjoyce/stagehand/internal/hosts"
	"github.com/mattjoyce/stagehand/internal/lock"
	"github.com/mattjoyce/stagehand/internal/log"
	"github.com/mattjoyce/stagehand/internal/matrix"
	"github.com/mattjoyce/stagehand/internal/metrics"
	"github.com/mattjoyce/stagehand/internal/runner"
	"github.com/mattjoyce/stagehand/internal/runstore"
	"github.com/mattjoyce/stagehand/internal/scheduler"
	"github.com/mattjoyce/stagehand/internal/storage"
)

const (
	eventHubCapacity = 512
	runBacklog       = 16
)

// app is the wired runtime shared by run and serve.
type app struct {
	cfg        *config.Config
	lock       *lock.PIDLock
	db         *sql.DB
	store      *runstore.Store
	pool       *hosts.Pool
	hub        *events.Hub
	metrics    *metrics.Metrics
	scheduler  *scheduler.Scheduler
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

type appOptions struct {
	dryRun bool
	// pipeline seeds a synthetic host pool in dry-run mode when no
	// inventory file exists.
	pipeline *descriptor.Pipeline
	// load supplies the pipeline for each dispatched run.
	load dispatch.Loader
}

// openApp takes the state lock, opens the run history, and wires the
// scheduler and dispatcher. Close releases everything.
func openApp(ctx context.Context, cfg *config.Config, opts appOptions) (a *app, err error) {
	a = &app{
		cfg:     cfg,
		hub:     events.NewHub(eventHubCapacity),
		metrics: metrics.New(),
		logger:  log.WithComponent("app"),
	}
	a.metrics.WatchDroppedEvents(a.hub.Dropped)
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if a.lock, err = lock.AcquireForState(cfg.State.Path); err != nil {
		return nil, err
	}
	if a.db, err = storage.OpenSQLite(ctx, cfg.State.Path); err != nil {
		return nil, err
	}
	a.store = runstore.New(a.db)

	if n, err := a.store.RecoverInterrupted(ctx); err != nil {
		return nil, fmt.Errorf("recover interrupted runs: %w", err)
	} else if n > 0 {
		a.logger.Warn("closed out runs interrupted by a previous process", "runs", n)
	}
	if cfg.State.Retention > 0 {
		if n, err := a.store.Prune(ctx, cfg.State.Retention); err != nil {
			a.logger.Warn("prune run history failed", "error", err)
		} else if n > 0 {
			a.logger.Info("pruned run history", "runs", n, "retention", cfg.State.Retention)
		}
	}

	dryRun := opts.dryRun || cfg.Runner.DryRun
	if a.pool, err = buildPool(cfg, dryRun, opts.pipeline); err != nil {
		return nil, err
	}
	a.metrics.SetHosts(0, a.pool.Size())

	var jr scheduler.JobRunner = runner.NewProcess(cfg.Runner.Entrypoint, cfg.Runner.GracePeriod)
	if dryRun {
		jr = runner.DryRun{}
	}

	a.scheduler = scheduler.New(scheduler.Options{
		MaxParallel:   cfg.Scheduler.MaxParallel,
		JobTimeout:    cfg.Scheduler.JobTimeout,
		FailurePolicy: cfg.Scheduler.FailurePolicy,
		DefaultScript: cfg.Runner.DefaultScript,
	}, a.pool, jr, a.hub, log.Get())
	a.scheduler.SetRecorder(a.store)
	a.scheduler.SetMetrics(a.metrics)

	load := opts.load
	if load == nil {
		load = func() (*descriptor.Pipeline, error) { return descriptor.LoadFile(cfg.Descriptor.Path) }
	}
	a.dispatcher = dispatch.New(load, a.scheduler, runBacklog)

	a.logger.Info("runtime ready",
		"state", cfg.State.Path,
		"hosts", a.pool.Size(),
		"dry_run", dryRun,
		"max_parallel", cfg.Scheduler.MaxParallel,
		"failure_policy", cfg.Scheduler.FailurePolicy,
	)
	return a, nil
}

func (a *app) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close database failed", "error", err)
		}
	}
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			a.logger.Warn("release lock failed", "error", err)
		}
	}
}

// openHistory opens the run database for reading without taking the lock.
func openHistory(ctx context.Context, cfg *config.Config) (*runstore.Store, func(), error) {
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, err
	}
	return runstore.New(db), func() { _ = db.Close() }, nil
}

// loadInventory reads the hosts file. In dry-run mode a missing file yields
// nil without error.
func loadInventory(cfg *config.Config, dryRun bool) (*hosts.Inventory, error) {
	inv, err := hosts.LoadFile(cfg.Hosts.File)
	if err != nil {
		if dryRun && errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return inv, nil
}

func buildPool(cfg *config.Config, dryRun bool, p *descriptor.Pipeline) (*hosts.Pool, error) {
	inv, err := loadInventory(cfg, dryRun)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		if p == nil {
			return nil, fmt.Errorf("dry run without %s needs a loaded descriptor", cfg.Hosts.File)
		}
		inv = syntheticInventory(p)
	}
	return inv.Pool()
}

// syntheticInventory offers one host per architecture and label set the
// pipeline asks for, carrying every distribution requested with them.
func syntheticInventory(p *descriptor.Pipeline) *hosts.Inventory {
	type shape struct {
		arch   string
		labels hosts.Requirements
		distro map[string]struct{}
	}
	shapes := make(map[string]*shape)

	for _, stage := range p.Stages {
		for _, sub := range stage.Substages {
			labels := hosts.Requirements{}
			for k, v := range sub.Requirements {
				if k != hosts.KeyHostDistro {
					labels[k] = v
				}
			}
			for _, c := range matrix.Expand(stage.Name, sub.Name, sub.Axes) {
				key := c.Arch + " " + labels.String()
				sh, ok := shapes[key]
				if !ok {
					sh = &shape{arch: c.Arch, labels: labels, distro: make(map[string]struct{})}
					shapes[key] = sh
				}
				sh.distro[c.Distribution] = struct{}{}
			}
		}
	}

	keys := make([]string, 0, len(shapes))
	for k := range shapes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	inv := &hosts.Inventory{}
	for i, k := range keys {
		sh := shapes[k]
		distros := make([]string, 0, len(sh.distro))
		for d := range sh.distro {
			distros = append(distros, d)
		}
		sort.Strings(distros)
		h := hosts.Host{Name: fmt.Sprintf("dry-run-%s-%d", sh.arch, i), Arch: sh.arch, Distributions: distros}
		if len(sh.labels) > 0 {
			h.Labels = map[string]string(sh.labels)
		}
		inv.Hosts = append(inv.Hosts, h)
	}
	return inv
}
