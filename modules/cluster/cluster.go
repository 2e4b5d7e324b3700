package cluster

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

const (
	HeartbeatPath    = "/api/cluster/heartbeat"
	LeaderChangePath = "/api/cluster/leader-change"
	NodeLeavingPath  = "/api/cluster/node-leaving"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	metricClusterNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "saga",
		Name:      "cluster_alive_nodes",
		Help:      "Nodes with a fresh heartbeat, including this one.",
	})
	metricIsLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "saga",
		Name:      "cluster_is_leader",
		Help:      "1 when this node is the leader.",
	})
	metricElections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saga",
		Name:      "cluster_elections_total",
		Help:      "Leader changes observed by this node.",
	})
)

// Node is one cluster member as this node sees it.
type Node struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
	Alive         bool   `json:"alive"`
}

// State is the full membership view, exchanged on leader changes.
type State struct {
	LeaderID string `json:"leaderId"`
	Nodes    []Node `json:"nodes"`
}

// Heartbeat is the wire body of a peer heartbeat.
type Heartbeat struct {
	NodeID    string `json:"nodeId"`
	NodeURL   string `json:"nodeUrl"`
	Timestamp int64  `json:"timestamp"`
	IsLeader  bool   `json:"isLeader"`
}

type leaving struct {
	NodeID string `json:"nodeId"`
}

// ShardRegistry is the router-side view of membership, satisfied by the
// querier.
type ShardRegistry interface {
	RegisterNode(id, url string)
	DeregisterNode(id string)
}

// Cluster tracks membership through peer heartbeats and elects the node with
// the lexicographically smallest live id as leader.
type Cluster struct {
	services.Service

	cfg    Config
	logger log.Logger
	client *http.Client

	registry       ShardRegistry
	onLeaderChange func(leaderID string)

	mtx   sync.RWMutex
	nodes map[string]*Node

	leader atomic.String

	now func() time.Time
}

func New(cfg Config, registry ShardRegistry, logger log.Logger) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "saga"
		}
		cfg.NodeID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	c := &Cluster{
		cfg:      cfg,
		logger:   logger,
		client:   &http.Client{Timeout: 5 * time.Second},
		registry: registry,
		nodes:    map[string]*Node{},
		now:      time.Now,
	}

	c.nodes[cfg.NodeID] = &Node{ID: cfg.NodeID, URL: cfg.NodeURL, LastHeartbeat: c.now().UnixMilli(), Alive: true}
	for _, p := range cfg.Peers {
		c.nodes[p.ID] = &Node{ID: p.ID, URL: p.URL, LastHeartbeat: c.now().UnixMilli(), Alive: true}
		if registry != nil {
			registry.RegisterNode(p.ID, p.URL)
		}
	}

	c.Service = services.NewBasicService(nil, c.running, c.stopping)
	return c, nil
}

// OnLeaderChange registers the workload-rebalance hook invoked when this
// node becomes leader.
func (c *Cluster) OnLeaderChange(fn func(leaderID string)) { c.onLeaderChange = fn }

func (c *Cluster) NodeID() string { return c.cfg.NodeID }

// Leader returns the current leader id, empty before the first election.
func (c *Cluster) Leader() string { return c.leader.Load() }

func (c *Cluster) IsLeader() bool { return c.Leader() == c.cfg.NodeID }

func (c *Cluster) running(ctx context.Context) error {
	if !c.cfg.Enabled {
		// single node, trivially the leader
		c.leader.Store(c.cfg.NodeID)
		metricIsLeader.Set(1)
		<-ctx.Done()
		return nil
	}

	c.electLeader()

	heartbeatTicker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeatTicker.Stop()
	leaderTicker := time.NewTicker(c.cfg.LeaderCheckInterval)
	defer leaderTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeatTicker.C:
			c.sendHeartbeats(ctx)
			// expired peers, the leader included, are noticed here rather
			// than waiting for the slower election tick
			c.pruneDead()
			c.electLeader()
		case <-leaderTicker.C:
			c.electLeader()
		}
	}
}

func (c *Cluster) stopping(_ error) error {
	if !c.cfg.Enabled {
		return nil
	}
	// best-effort goodbye so peers do not wait for the timeout
	body, _ := json.Marshal(leaving{NodeID: c.cfg.NodeID})
	for _, n := range c.peerSnapshot() {
		c.post(context.Background(), n.URL+NodeLeavingPath, body)
	}
	return nil
}

func (c *Cluster) peerSnapshot() []*Node {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	peers := make([]*Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		if n.ID == c.cfg.NodeID || n.URL == "" {
			continue
		}
		cp := *n
		peers = append(peers, &cp)
	}
	return peers
}

func (c *Cluster) sendHeartbeats(ctx context.Context) {
	c.mtx.Lock()
	if self, ok := c.nodes[c.cfg.NodeID]; ok {
		self.LastHeartbeat = c.now().UnixMilli()
	}
	c.mtx.Unlock()

	body, err := json.Marshal(Heartbeat{
		NodeID:    c.cfg.NodeID,
		NodeURL:   c.cfg.NodeURL,
		Timestamp: c.now().UnixMilli(),
		IsLeader:  c.IsLeader(),
	})
	if err != nil {
		return
	}

	for _, n := range c.peerSnapshot() {
		c.post(ctx, n.URL+HeartbeatPath, body)
	}
}

func (c *Cluster) post(ctx context.Context, url string, body []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		level.Debug(c.logger).Log("msg", "peer unreachable", "url", url, "err", err)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// pruneDead marks nodes without a fresh heartbeat dead and removes them from
// shard routing.
func (c *Cluster) pruneDead() {
	cutoff := c.now().Add(-c.cfg.HeartbeatTimeout).UnixMilli()

	c.mtx.Lock()
	defer c.mtx.Unlock()

	alive := 0
	for _, n := range c.nodes {
		if n.ID == c.cfg.NodeID {
			alive++
			continue
		}
		wasAlive := n.Alive
		n.Alive = n.LastHeartbeat >= cutoff
		if n.Alive {
			alive++
		} else if wasAlive {
			level.Info(c.logger).Log("msg", "node timed out", "node", n.ID)
			if c.registry != nil {
				c.registry.DeregisterNode(n.ID)
			}
		}
	}
	metricClusterNodes.Set(float64(alive))
}

// electLeader picks the smallest live node id. On self-election the change
// is published to peers and the rebalance hook runs.
func (c *Cluster) electLeader() {
	c.mtx.RLock()
	var ids []string
	for _, n := range c.nodes {
		if n.Alive {
			ids = append(ids, n.ID)
		}
	}
	c.mtx.RUnlock()

	if len(ids) == 0 {
		return
	}
	sort.Strings(ids)
	newLeader := ids[0]

	old := c.leader.Swap(newLeader)
	if old == newLeader {
		return
	}

	metricElections.Inc()
	level.Info(c.logger).Log("msg", "leader changed", "leader", newLeader, "previous", old)

	if newLeader == c.cfg.NodeID {
		metricIsLeader.Set(1)
		c.publishLeaderChange()
		if c.onLeaderChange != nil {
			c.onLeaderChange(newLeader)
		}
	} else {
		metricIsLeader.Set(0)
	}
}

func (c *Cluster) publishLeaderChange() {
	body, err := json.Marshal(c.StateSnapshot())
	if err != nil {
		return
	}
	for _, n := range c.peerSnapshot() {
		c.post(context.Background(), n.URL+LeaderChangePath, body)
	}
}

// StateSnapshot returns the membership view with nodes sorted by id.
func (c *Cluster) StateSnapshot() State {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	st := State{LeaderID: c.Leader()}
	for _, n := range c.nodes {
		st.Nodes = append(st.Nodes, *n)
	}
	sort.Slice(st.Nodes, func(i, j int) bool { return st.Nodes[i].ID < st.Nodes[j].ID })
	return st
}

// observeHeartbeat records a peer heartbeat, registering previously unknown
// nodes with the shard router.
func (c *Cluster) observeHeartbeat(hb Heartbeat) {
	c.mtx.Lock()
	n, known := c.nodes[hb.NodeID]
	if !known {
		n = &Node{ID: hb.NodeID, URL: hb.NodeURL}
		c.nodes[hb.NodeID] = n
	}
	if hb.NodeURL != "" {
		n.URL = hb.NodeURL
	}
	wasDead := !n.Alive
	n.LastHeartbeat = c.now().UnixMilli()
	n.Alive = true
	c.mtx.Unlock()

	if (!known || wasDead) && c.registry != nil && n.URL != "" {
		c.registry.RegisterNode(n.ID, n.URL)
	}
	if !known {
		level.Info(c.logger).Log("msg", "node joined", "node", hb.NodeID)
		c.electLeader()
	}
	// a claimed leadership wins over whatever this node last heard, which
	// catches up nodes that missed the leader-change broadcast
	if hb.IsLeader {
		c.acceptLeader(hb.NodeID)
	}
}

// acceptLeader adopts a leadership claim received from a peer.
func (c *Cluster) acceptLeader(id string) {
	old := c.leader.Swap(id)
	if old == id {
		return
	}
	metricElections.Inc()
	level.Info(c.logger).Log("msg", "leader change received", "leader", id, "previous", old)
	if id != c.cfg.NodeID {
		metricIsLeader.Set(0)
	}
}

func (c *Cluster) removeNode(id string) {
	c.mtx.Lock()
	_, known := c.nodes[id]
	delete(c.nodes, id)
	c.mtx.Unlock()

	if !known {
		return
	}
	level.Info(c.logger).Log("msg", "node left", "node", id)
	if c.registry != nil {
		c.registry.DeregisterNode(id)
	}
	c.electLeader()
}

// HeartbeatHandler serves POST /api/cluster/heartbeat.
func (c *Cluster) HeartbeatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var hb Heartbeat
		if err := json.NewDecoder(r.Body).Decode(&hb); err != nil || hb.NodeID == "" {
			http.Error(w, "invalid heartbeat", http.StatusBadRequest)
			return
		}
		c.observeHeartbeat(hb)
		w.WriteHeader(http.StatusOK)
	}
}

// LeaderChangeHandler serves POST /api/cluster/leader-change.
func (c *Cluster) LeaderChangeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var st State
		if err := json.NewDecoder(r.Body).Decode(&st); err != nil || st.LeaderID == "" {
			http.Error(w, "invalid state", http.StatusBadRequest)
			return
		}
		c.acceptLeader(st.LeaderID)
		w.WriteHeader(http.StatusOK)
	}
}

// NodeLeavingHandler serves POST /api/cluster/node-leaving.
func (c *Cluster) NodeLeavingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg leaving
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil || msg.NodeID == "" {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		c.removeNode(msg.NodeID)
		w.WriteHeader(http.StatusOK)
	}
}
