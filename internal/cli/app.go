package cli

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcliao/content-engine/internal/clone"
	"github.com/rcliao/content-engine/internal/coalesce"
	"github.com/rcliao/content-engine/internal/config"
	"github.com/rcliao/content-engine/internal/content"
	"github.com/rcliao/content-engine/internal/graph"
	"github.com/rcliao/content-engine/internal/jobs"
	"github.com/rcliao/content-engine/internal/lock"
	"github.com/rcliao/content-engine/internal/logging"
	"github.com/rcliao/content-engine/internal/model"
	"github.com/rcliao/content-engine/internal/reconcile"
	"github.com/rcliao/content-engine/internal/revision"
	"github.com/rcliao/content-engine/internal/store"
	"github.com/rcliao/content-engine/internal/vcs"
)

// app is one process's wiring of the engine.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	store     *store.SQLiteStore
	types     *content.Registry
	locks     *lock.Manager
	git       *vcs.Git
	graph     *graph.Graph
	revisions *revision.Service
	sync      *reconcile.Engine
	clone     *clone.Engine

	syncPool  *jobs.Pool
	graphPool *jobs.Pool
	batchPool *jobs.Pool
	closeOnce sync.Once
}

func openApp() (*app, error) {
	cfg := loadConfig()
	log := logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})

	tc, err := config.LoadTypes(cfg.TypesFile)
	if err != nil {
		return nil, err
	}
	types, err := content.NewRegistry(tc)
	if err != nil {
		return nil, err
	}
	s, err := store.NewSQLiteStore(cfg.DBPath,
		store.WithLogger(logging.Component(log, "store")),
		store.WithTxRetries(cfg.TxRetries, 20*time.Millisecond))
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, store: s, types: types}
	inflight := coalesce.NewRegistry()
	a.syncPool = jobs.NewPool(jobs.Config{Name: "sync", Workers: cfg.SyncWorkers}, log)
	a.graphPool = jobs.NewPool(jobs.Config{Name: "graph", Workers: cfg.GraphWorkers}, log)
	a.batchPool = jobs.NewPool(jobs.Config{Name: "batch", Workers: cfg.BatchWorkers}, log)

	a.graph = graph.New(s, a.graphPool, inflight, logging.Component(log, "graph"))
	a.locks = lock.NewManager(cfg.LockTTL, lock.WithLogger(logging.Component(log, "lock")))
	a.revisions = revision.New(s, types, a.locks, a.graph, logging.Component(log, "revision"))
	a.git = vcs.NewGit(cfg.VCSAuthor, cfg.VCSEmail, logging.Component(log, "vcs"))
	a.sync = reconcile.New(s, a.revisions, a.graph, a.git, a.syncPool, inflight,
		logging.Component(log, "sync"), reconcile.WithPackageWait(cfg.PackageWait))
	a.revisions.SetWorkingCopy(a.sync)
	a.clone = clone.New(s, a.graph, a.git, a.batchPool, cfg.ReposDir(), cfg.VolumesDir(),
		logging.Component(log, "clone"), clone.WithDelay(cfg.CloneDelay), clone.WithBatchSize(cfg.CloneBatchSize))
	return a, nil
}

// Close drains background work in dependency order: reconciliations and
// clone batches may request graph passes, so the graph pool goes last.
func (a *app) Close() {
	a.closeOnce.Do(func() {
		a.sync.Wait()
		a.syncPool.Close()
		a.clone.Wait()
		a.batchPool.Close()
		a.graph.Wait()
		a.graphPool.Close()
		if err := a.store.Close(); err != nil {
			a.log.Error().Err(err).Msg("closing store")
		}
	})
}

func mustOpenApp() *app {
	a, err := openApp()
	if err != nil {
		exitErr("open engine", err)
	}
	return a
}

// resolvePackage accepts a package guid or "id:version".
func (a *app) resolvePackage(ctx context.Context, ref string) (*model.ContentPackage, error) {
	if id, version, ok := strings.Cut(ref, ":"); ok {
		return a.store.FindPackage(ctx, id, version)
	}
	return a.store.GetPackage(ctx, ref)
}

func (a *app) mustPackage(ctx context.Context, ref string) *model.ContentPackage {
	pkg, err := a.resolvePackage(ctx, ref)
	if err != nil {
		a.fail("package "+ref, err)
	}
	return pkg
}

// fail drains the engine before exiting, since os.Exit skips deferred closes.
func (a *app) fail(msg string, err error) {
	a.Close()
	exitErr(msg, err)
}
