package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"

	"github.com/sagalog/saga/modules/alarms"
	"github.com/sagalog/saga/modules/bufferer"
	"github.com/sagalog/saga/modules/cluster"
	"github.com/sagalog/saga/modules/health"
	"github.com/sagalog/saga/modules/livetail"
	"github.com/sagalog/saga/modules/querier"
	"github.com/sagalog/saga/modules/retention"
	"github.com/sagalog/saga/modules/sources"
	"github.com/sagalog/saga/pkg/pipeline"
	"github.com/sagalog/saga/pkg/searchcache"
	"github.com/sagalog/saga/sagadb"
	"github.com/sagalog/saga/sagadb/archive"
)

// The various modules that make up saga.
const (
	Server    string = "server"
	Cache     string = "cache"
	Store     string = "store"
	Buffer    string = "buffer"
	Sources   string = "sources"
	Querier   string = "querier"
	Alarms    string = "alarms"
	Cluster   string = "cluster"
	LiveTail  string = "live-tail"
	Retention string = "retention"
	Health    string = "health"
	All       string = "all"
)

// DisableSignalHandling puts a dummy signal handler on the dskit server so
// that it does not install its own; the app handles signals itself.
func DisableSignalHandling(config *server.Config) {
	config.SignalHandler = make(ignoreSignalHandler)
}

type ignoreSignalHandler chan struct{}

func (h ignoreSignalHandler) Loop() {
	<-h
}

func (h ignoreSignalHandler) Stop() {
	close(h)
}

func (t *App) initServer() (services.Service, error) {
	t.cfg.Server.MetricsNamespace = metricsNamespace
	t.cfg.Server.ExcludeRequestInLog = true

	DisableSignalHandling(&t.cfg.Server)

	srv, err := server.New(t.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	t.Server = srv

	return newServerService(srv), nil
}

// newServerService wraps the dskit server in a service. The server is torn
// down through Shutdown rather than context cancellation, so Run is watched
// from a goroutine.
func newServerService(srv *server.Server) services.Service {
	serverDone := make(chan error, 1)

	runFn := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			serverDone <- srv.Run()
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil {
				return err
			}
			return fmt.Errorf("server stopped unexpectedly")
		}
	}

	stoppingFn := func(_ error) error {
		srv.Shutdown()
		<-serverDone
		return nil
	}

	return services.NewBasicService(nil, runFn, stoppingFn)
}

func (t *App) initCache() (services.Service, error) {
	t.cache = searchcache.New(t.cfg.Cache)
	return t.cache, nil
}

func (t *App) initStore() (services.Service, error) {
	archiveStore, err := archive.NewStore(t.cfg.Archive, t.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive store: %w", err)
	}
	t.archiveStore = archiveStore

	store, err := sagadb.New(t.cfg.DB, t.cache, t.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if t.cfg.Archive.AutoArchive || t.cfg.DB.Partitioning.AutoArchive {
		store.SetArchiver(archiveStore)
	}
	t.store = store

	return services.NewIdleService(nil, func(_ error) error {
		return t.store.Close()
	}), nil
}

func (t *App) initBuffer() (services.Service, error) {
	buffer, err := bufferer.New(t.cfg.Buffer, t.store, t.redactor, t.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create bufferer: %w", err)
	}
	t.buffer = buffer
	return buffer, nil
}

func (t *App) initSources() (services.Service, error) {
	srcs, err := sources.New(t.cfg.Sources, t.buffer, t.cloudClient, t.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sources: %w", err)
	}
	t.sources = srcs
	return srcs, nil
}

func (t *App) initQuerier() (services.Service, error) {
	q, err := querier.New(t.cfg.Querier, t.store, t.cache, t.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create querier: %w", err)
	}
	t.querier = q
	t.pipeline = pipeline.NewEngine(t.store)

	t.Server.HTTP.HandleFunc("/api/logs/search", q.Handler()).Methods(http.MethodGet)
	t.Server.HTTP.HandleFunc("/api/logs/query", t.pipelineQueryHandler()).Methods(http.MethodGet)
	t.Server.HTTP.HandleFunc("/api/logs/level/{level}", t.findByLevelHandler()).Methods(http.MethodGet)
	t.Server.HTTP.HandleFunc("/api/logs/source/{source}", t.findBySourceHandler()).Methods(http.MethodGet)
	t.Server.HTTP.HandleFunc("/api/logs/id/{id}", t.findByIDHandler()).Methods(http.MethodGet)
	t.Server.HTTP.HandleFunc("/api/db/partitions", t.partitionsHandler()).Methods(http.MethodGet)
	t.Server.HTTP.HandleFunc("/api/cache/stats", t.cacheStatsHandler()).Methods(http.MethodGet)
	t.Server.HTTP.HandleFunc("/api/archives", t.archiveListHandler()).Methods(http.MethodGet)
	t.Server.HTTP.HandleFunc("/api/archives/{id}", t.archiveGetHandler()).Methods(http.MethodGet)
	t.Server.HTTP.HandleFunc("/api/archives/{id}/restore", t.archiveRestoreHandler()).Methods(http.MethodPost)

	return q, nil
}

func (t *App) initAlarms() (services.Service, error) {
	engine, err := alarms.NewEngine(t.cfg.Alarms, t.alarmStore, t.store, t.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create alarm engine: %w", err)
	}
	t.alarmEngine = engine

	t.Server.HTTP.HandleFunc("/api/alarms", t.alarmListHandler()).Methods(http.MethodGet)
	t.Server.HTTP.HandleFunc("/api/alarms", t.alarmCreateHandler()).Methods(http.MethodPost)
	t.Server.HTTP.HandleFunc("/api/alarms/{id}", t.alarmGetHandler()).Methods(http.MethodGet)
	t.Server.HTTP.HandleFunc("/api/alarms/{id}", t.alarmUpdateHandler()).Methods(http.MethodPut)
	t.Server.HTTP.HandleFunc("/api/alarms/{id}", t.alarmDeleteHandler()).Methods(http.MethodDelete)

	return engine, nil
}

func (t *App) initCluster() (services.Service, error) {
	c, err := cluster.New(t.cfg.Cluster, t.querier, t.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster: %w", err)
	}
	t.cluster = c

	// distributed results cached before the topology changed may now be stale
	c.OnLeaderChange(func(leaderID string) {
		level.Info(t.logger).Log("msg", "cluster leader changed", "leader", leaderID)
		t.cache.Invalidate()
	})

	t.Server.HTTP.HandleFunc(cluster.HeartbeatPath, c.HeartbeatHandler()).Methods(http.MethodPost)
	t.Server.HTTP.HandleFunc(cluster.LeaderChangePath, c.LeaderChangeHandler()).Methods(http.MethodPost)
	t.Server.HTTP.HandleFunc(cluster.NodeLeavingPath, c.NodeLeavingHandler()).Methods(http.MethodPost)
	t.Server.HTTP.HandleFunc("/api/cluster/state", t.clusterStateHandler()).Methods(http.MethodGet)

	return c, nil
}

func (t *App) initLiveTail() (services.Service, error) {
	tailer, err := livetail.New(t.cfg.LiveTail, t.store, t.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create live tailer: %w", err)
	}
	t.tailer = tailer
	t.store.OnIndexed(tailer.OnIndexed)

	t.Server.HTTP.HandleFunc("/api/logs/stream", tailer.LogStreamHandler()).Methods(http.MethodGet)
	t.Server.HTTP.HandleFunc("/api/dashboards/stream", tailer.WidgetStreamHandler()).Methods(http.MethodGet)
	t.Server.HTTP.HandleFunc("/api/stream/stats", tailer.StatsHandler()).Methods(http.MethodGet)

	return tailer, nil
}

func (t *App) initRetention() (services.Service, error) {
	for _, p := range t.cfg.RetentionPolicies {
		if _, err := t.policyStore.Create(p); err != nil {
			return nil, fmt.Errorf("failed to load retention policy %q: %w", p.Name, err)
		}
	}

	t.retention = retention.New(t.policyStore, t.store, t.archiveStore, t.logger)

	t.Server.HTTP.HandleFunc("/api/retention/policies", t.policyListHandler()).Methods(http.MethodGet)
	t.Server.HTTP.HandleFunc("/api/retention/policies", t.policyCreateHandler()).Methods(http.MethodPost)
	t.Server.HTTP.HandleFunc("/api/retention/policies/{id}", t.policyGetHandler()).Methods(http.MethodGet)
	t.Server.HTTP.HandleFunc("/api/retention/policies/{id}", t.policyUpdateHandler()).Methods(http.MethodPut)
	t.Server.HTTP.HandleFunc("/api/retention/policies/{id}", t.policyDeleteHandler()).Methods(http.MethodDelete)

	return t.retention, nil
}

func (t *App) initHealth() (services.Service, error) {
	monitor, err := health.New(t.cfg.Health, t.alarmStore, t.buffer, t.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create health monitor: %w", err)
	}
	t.health = monitor
	return monitor, nil
}

func (t *App) setupModuleManager() error {
	mm := modules.NewManager(t.logger)

	mm.RegisterModule(Server, t.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(Cache, t.initCache, modules.UserInvisibleModule)
	mm.RegisterModule(Store, t.initStore, modules.UserInvisibleModule)
	mm.RegisterModule(Buffer, t.initBuffer, modules.UserInvisibleModule)
	mm.RegisterModule(Sources, t.initSources)
	mm.RegisterModule(Querier, t.initQuerier)
	mm.RegisterModule(Alarms, t.initAlarms)
	mm.RegisterModule(Cluster, t.initCluster)
	mm.RegisterModule(LiveTail, t.initLiveTail)
	mm.RegisterModule(Retention, t.initRetention)
	mm.RegisterModule(Health, t.initHealth)
	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		Store:     {Cache},
		Buffer:    {Store, LiveTail},
		Sources:   {Buffer},
		Querier:   {Server, Store, Cache},
		Alarms:    {Server, Store},
		Cluster:   {Server, Querier},
		LiveTail:  {Server, Store},
		Retention: {Server, Store},
		Health:    {Alarms, Buffer},
		All:       {Sources, Querier, Alarms, Cluster, LiveTail, Retention, Health},
	}
	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.ModuleManager = mm
	return nil
}
