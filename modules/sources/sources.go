package sources

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
)

// Sources runs every configured ingest source as one service: the directory
// scanner, one syslog listener per (protocol, port), and the cloud fetcher.
type Sources struct {
	services.Service

	cfg    Config
	logger log.Logger
	coord  *Coordinator

	subservices        *services.Manager
	subservicesWatcher *services.FailureWatcher
}

// New assembles the source services. cloudClient may be nil when no cloud
// sources are configured.
func New(cfg Config, buffer Buffer, cloudClient CloudLogsClient, logger log.Logger) (*Sources, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Sources{
		cfg:    cfg,
		logger: logger,
		coord:  NewCoordinator(cfg.Coordinator),
	}

	var svcs []services.Service

	hasDirectory, hasCloud := false, false
	listenerPorts := map[string]struct{}{}
	for _, src := range cfg.Sources {
		switch src.Type {
		case SourceTypeDirectory:
			hasDirectory = true
		case SourceTypeCloud:
			hasCloud = true
		case SourceTypeSyslog:
			key := fmt.Sprintf("%s/%d", src.Protocol, src.Port)
			if _, ok := listenerPorts[key]; ok {
				continue
			}
			listenerPorts[key] = struct{}{}
			svcs = append(svcs, NewSyslogListener(src, buffer, s.coord, logger))
		}
	}

	if hasDirectory {
		svcs = append(svcs, NewScanner(cfg.Sources, cfg.ScanInterval, buffer, s.coord, logger))
	}
	if hasCloud {
		if cloudClient == nil {
			return nil, fmt.Errorf("cloud sources configured but no cloud client available")
		}
		svcs = append(svcs, NewCloudFetcher(cfg.Sources, cfg.FetchInterval, cloudClient, buffer, s.coord, logger))
	}

	// keeps our own membership fresh in the coordinator
	svcs = append(svcs, services.NewTimerService(cfg.Coordinator.HeartbeatTimeout/3, nil, func(context.Context) error {
		s.coord.Heartbeat(s.coord.InstanceID())
		return nil
	}, nil))

	m, err := services.NewManager(svcs...)
	if err != nil {
		return nil, fmt.Errorf("creating source subservices: %w", err)
	}
	s.subservices = m
	s.subservicesWatcher = services.NewFailureWatcher()
	s.subservicesWatcher.WatchManager(m)

	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s, nil
}

// Coordinator exposes the ingestion coordinator for peer heartbeat wiring.
func (s *Sources) Coordinator() *Coordinator { return s.coord }

func (s *Sources) starting(ctx context.Context) error {
	level.Info(s.logger).Log("msg", "starting sources", "count", len(s.cfg.Sources))
	return services.StartManagerAndAwaitHealthy(ctx, s.subservices)
}

func (s *Sources) running(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-s.subservicesWatcher.Chan():
		return fmt.Errorf("sources subservice failed: %w", err)
	}
}

func (s *Sources) stopping(_ error) error {
	return services.StopManagerAndAwaitStopped(context.Background(), s.subservices)
}
