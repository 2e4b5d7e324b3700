package sources

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

type CoordinatorConfig struct {
	Enabled          bool          `yaml:"enabled"`
	InstanceID       string        `yaml:"instance_id"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
}

func (cfg *CoordinatorConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.HeartbeatTimeout = 30 * time.Second

	f.BoolVar(&cfg.Enabled, prefix+".enabled", cfg.Enabled, "Partition sources across instances by consistent hashing.")
	f.StringVar(&cfg.InstanceID, prefix+".instance-id", cfg.InstanceID, "Unique instance id, derived from the hostname when empty.")
	f.DurationVar(&cfg.HeartbeatTimeout, prefix+".heartbeat-timeout", cfg.HeartbeatTimeout, "Instances silent for longer than this are dropped from the active set.")
}

func (cfg *CoordinatorConfig) Validate() error {
	if cfg.Enabled && cfg.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat_timeout must be greater than 0, got %s", cfg.HeartbeatTimeout)
	}
	return nil
}

// Coordinator decides which instance ingests which source. Each source id is
// owned by exactly one member of the active instance set; everyone else
// skips it.
type Coordinator struct {
	cfg        CoordinatorConfig
	instanceID string

	mtx       sync.RWMutex
	lastSeen  map[string]time.Time

	now func() time.Time
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	id := cfg.InstanceID
	if id == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "saga"
		}
		id = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	c := &Coordinator{
		cfg:        cfg,
		instanceID: id,
		lastSeen:   map[string]time.Time{},
		now:        time.Now,
	}
	c.Heartbeat(id)
	return c
}

func (c *Coordinator) InstanceID() string { return c.instanceID }

// Heartbeat records that an instance is alive. Called for the local instance
// on a timer and for peers when their heartbeats arrive.
func (c *Coordinator) Heartbeat(instanceID string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.lastSeen[instanceID] = c.now()
}

// ActiveInstances returns the ids of instances with a fresh heartbeat,
// sorted. Expired entries are dropped.
func (c *Coordinator) ActiveInstances() []string {
	cutoff := c.now().Add(-c.cfg.HeartbeatTimeout)

	c.mtx.Lock()
	defer c.mtx.Unlock()

	active := make([]string, 0, len(c.lastSeen))
	for id, seen := range c.lastSeen {
		if seen.Before(cutoff) {
			delete(c.lastSeen, id)
			continue
		}
		active = append(active, id)
	}
	sort.Strings(active)
	return active
}

// ShouldProcess reports whether this instance owns the source. With scaling
// disabled or an empty active set, every source is processed locally.
func (c *Coordinator) ShouldProcess(sourceID string) bool {
	if !c.cfg.Enabled {
		return true
	}

	active := c.ActiveInstances()
	if len(active) == 0 {
		return true
	}

	assigned := active[xxhash.Sum64String(sourceID)%uint64(len(active))]
	return assigned == c.instanceID
}
