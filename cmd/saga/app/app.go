package app

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"gopkg.in/yaml.v3"

	"github.com/sagalog/saga/modules/alarms"
	"github.com/sagalog/saga/modules/bufferer"
	"github.com/sagalog/saga/modules/cluster"
	"github.com/sagalog/saga/modules/health"
	"github.com/sagalog/saga/modules/livetail"
	"github.com/sagalog/saga/modules/querier"
	"github.com/sagalog/saga/modules/retention"
	"github.com/sagalog/saga/modules/sources"
	"github.com/sagalog/saga/pkg/pipeline"
	"github.com/sagalog/saga/pkg/redact"
	"github.com/sagalog/saga/pkg/searchcache"
	"github.com/sagalog/saga/sagadb"
	"github.com/sagalog/saga/sagadb/archive"
)

// App is the root struct of the saga process. Module init functions hang the
// components they build off of it so later modules can reach them.
type App struct {
	cfg    Config
	logger log.Logger

	Server        *server.Server
	ModuleManager *modules.Manager
	serviceMap    map[string]services.Service

	redactor    *redact.Redactor
	alarmStore  *alarms.Store
	policyStore *retention.PolicyStore
	cloudClient sources.CloudLogsClient

	cache        *searchcache.Cache
	store        *sagadb.Store
	archiveStore *archive.Store
	buffer       *bufferer.Bufferer
	sources      *sources.Sources
	querier      *querier.Querier
	pipeline     *pipeline.Engine
	alarmEngine  *alarms.Engine
	cluster      *cluster.Cluster
	tailer       *livetail.Tailer
	retention    *retention.Retention
	health       *health.Monitor
}

// New makes a new app.
func New(cfg Config, logger log.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	redactor := redact.New()
	if err := redactor.Refresh(cfg.Redaction.SensitiveKeys, cfg.Redaction.Patterns); err != nil {
		return nil, fmt.Errorf("invalid redaction config: %w", err)
	}

	t := &App{
		cfg:         cfg,
		logger:      logger,
		redactor:    redactor,
		alarmStore:  alarms.NewStore(),
		policyStore: retention.NewPolicyStore(),
	}

	if err := t.setupModuleManager(); err != nil {
		return nil, fmt.Errorf("failed to setup module manager: %w", err)
	}
	return t, nil
}

// SetCloudClient installs the client used by cloud log sources. It must be
// called before Run.
func (t *App) SetCloudClient(c sources.CloudLogsClient) { t.cloudClient = c }

// Run starts and manages the requested modules, blocking until shutdown.
func (t *App) Run() error {
	serviceMap, err := t.ModuleManager.InitModuleServices(t.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services: %w", err)
	}
	t.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to start service manager: %w", err)
	}

	t.Server.HTTP.Path("/config").Handler(t.configHandler())
	t.Server.HTTP.Path("/ready").Handler(t.readyHandler(sm))

	healthy := func() { level.Info(t.logger).Log("msg", "saga started") }
	stopped := func() { level.Info(t.logger).Log("msg", "saga stopped") }
	serviceFailed := func(service services.Service) {
		// if any service fails, stop the entire process
		sm.StopAsync()

		for m, s := range serviceMap {
			if s == service {
				level.Error(t.logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
			}
		}
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	handler := signals.NewHandler(t.logger)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return fmt.Errorf("failed to start service manager: %w", err)
	}
	return sm.AwaitStopped(context.Background())
}

func (t *App) configHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out, err := yaml.Marshal(t.cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out)
	}
}

func (t *App) readyHandler(sm *services.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if sm.IsHealthy() {
			_, _ = fmt.Fprintln(w, "ready")
			return
		}

		var serviceNames []string
		byState := sm.ServicesByState()
		for state, svcs := range byState {
			for _, s := range svcs {
				for m, svc := range t.serviceMap {
					if svc == s {
						serviceNames = append(serviceNames, fmt.Sprintf("%s: %s", m, state))
					}
				}
			}
		}
		sort.Strings(serviceNames)

		http.Error(w, fmt.Sprintf("some services are not Running:\n%v", serviceNames), http.StatusServiceUnavailable)
	}
}
