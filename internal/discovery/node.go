// Package discovery — node.go
//
// Node lifecycle: join, component wiring, leader management, and
// shutdown.
//
// Startup sequence:
//  1. Resolve bind host and seed addresses; warn below three seeds.
//  2. Generate a fresh NodeId and join the gossip substrate.
//  3. Wait for the self member-up under a randomized startup timeout
//     in [15s, 45s); expiry is reported so the host can restart.
//  4. Start the transport server, follower, pinger, partition monitor
//     (voters only), and abdicator.
//  5. Watch membership for the oldest master-eligible member and run
//     the master singleton while that is the local node.
//  6. Fire initial-state listeners off the follower's first submit.
//
// Shutdown sequence:
//  1. Leave the cluster gracefully (4s budget, timeout swallowed).
//  2. Terminate the substrate (1s budget, timeout swallowed).
//  3. Stop components and close the state store.
//
// Stop is idempotent.

package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cgvarela/eskka/internal/cluster"
	"github.com/cgvarela/eskka/internal/config"
	"github.com/cgvarela/eskka/internal/observability"
	"github.com/cgvarela/eskka/internal/state"
	"github.com/cgvarela/eskka/internal/transport"
)

const (
	leaveTimeout    = 4 * time.Second
	shutdownTimeout = 1 * time.Second

	startupTimeoutMin = 15 * time.Second
	startupTimeoutMax = 45 * time.Second
)

// Options configures a Node.
type Options struct {
	Discovery config.DiscoveryConfig
	Journal   Journal
	Metrics   *observability.Metrics
	Log       *zap.Logger

	// RestartHook rebuilds the whole discovery instance from scratch.
	// Invoked by the abdicator on sustained quorum loss.
	RestartHook func(reason string)
}

// Node is one eskka discovery instance.
type Node struct {
	opts  Options
	log   *zap.Logger
	codec state.Codec

	mu        sync.Mutex
	started   bool
	stopped   bool
	nodeID    string
	self      state.Node
	voting    VotingMembers
	cluster   *cluster.Cluster
	store     *state.Store
	follower  *Follower
	pinger    *Pinger
	monitor   *PartitionMonitor
	abdicator *Abdicator
	master    *Master
	cancel    context.CancelFunc

	initialListeners []func()
}

// NewNode creates an unstarted node.
func NewNode(opts Options) *Node {
	if opts.Journal == nil {
		opts.Journal = nopJournal{}
	}
	return &Node{opts: opts, log: opts.Log}
}

// OnInitialState registers a listener fired once, after the first
// successful state application. Must be called before Start.
func (n *Node) OnInitialState(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.initialListeners = append(n.initialListeners, fn)
}

// Started reports whether the node has joined and is live.
func (n *Node) Started() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started
}

// Start joins the cluster and brings up the core. Blocks until the
// local member is up or the startup window expires.
func (n *Node) Start(ctx context.Context) error {
	d := n.opts.Discovery

	host := d.Host
	if host == "" {
		var err error
		host, err = cluster.FirstNonLoopback()
		if err != nil {
			return fmt.Errorf("discovery: bind host: %w", err)
		}
	}
	seeds, err := cluster.ResolveAddrs(d.SeedNodes, config.DefaultGossipPort)
	if err != nil {
		return fmt.Errorf("discovery: seeds: %w", err)
	}
	if len(seeds) < 3 {
		n.log.Warn("fewer than 3 seed nodes configured; the cluster cannot survive a seed loss",
			zap.Int("seeds", len(seeds)))
	}

	nodeID := uuid.NewString()
	transportAddr := fmt.Sprintf("%s:%d", host, d.TransportPort)

	runCtx, cancel := context.WithCancel(context.Background())

	voting := NewVotingMembers(seeds)

	// The voter role is positional: the node votes iff its gossip
	// address is a seed. An ephemeral port can never match a seed.
	voter := false
	if port := d.EffectivePort(); port != 0 {
		if selfAddr, rerr := cluster.ResolveAddr(fmt.Sprintf("%s:%d", host, port), port); rerr == nil {
			voter = voting.Contains(selfAddr)
		}
	}

	cl, err := cluster.New(cluster.Config{
		NodeID:                   nodeID,
		BindHost:                 host,
		BindPort:                 d.EffectivePort(),
		TransportAddr:            transportAddr,
		MasterEligible:           d.MasterEligible(),
		Voter:                    voter,
		StartedAt:                time.Now(),
		Seeds:                    seeds,
		HeartbeatInterval:        d.HeartbeatInterval,
		AcceptableHeartbeatPause: d.AcceptableHeartbeatPause,
		ReconnectInterval:        d.Partition.EvalDelay,
	}, n.log)
	if err != nil {
		cancel()
		return err
	}

	// The bound address is authoritative once the substrate exists.
	voter = voting.Contains(cl.SelfAddress())

	cl.OnDrop = func() { n.opts.Metrics.EventsDroppedTotal.Inc() }
	cl.Run(runCtx)

	// Subscribe before joining so the self member-up is not missed.
	events := cl.Subscribe(64)
	cl.Join()

	startupTimeout := startupTimeoutMin +
		time.Duration(rand.Int63n(int64(startupTimeoutMax-startupTimeoutMin)))
	if err := n.awaitSelfUp(ctx, events, cl, startupTimeout); err != nil {
		shutdownCtx, sc := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = cl.Shutdown(shutdownCtx)
		sc()
		cancel()
		return err
	}

	self := state.Node{
		ID:            nodeID,
		Address:       cl.SelfAddress(),
		TransportAddr: transportAddr,
		Master:        d.MasterEligible(),
	}
	store := state.NewStore(state.Empty(), n.log)

	sender := transport.NewClient()
	follower := NewFollower(self, voting, cl, store, sender, n.opts.Metrics, n.log)
	pinger := NewPinger(cl, n.opts.Metrics, n.log)

	var monitor *PartitionMonitor
	if voter {
		monitor = NewPartitionMonitor(nodeID, voting, cl, sender, n.opts.Journal,
			d.Partition.PingTimeout, d.Partition.EvalDelay, n.opts.Metrics, n.log)
	}
	abdicator := NewAbdicator(nodeID, voting, cl, 0, n.restartHook, n.opts.Journal,
		n.opts.Metrics, n.log)

	server := transport.NewServer(transportAddr, n, n.log)

	n.mu.Lock()
	n.nodeID = nodeID
	n.self = self
	n.voting = voting
	n.cluster = cl
	n.store = store
	n.follower = follower
	n.pinger = pinger
	n.monitor = monitor
	n.abdicator = abdicator
	n.cancel = cancel
	listeners := n.initialListeners
	n.mu.Unlock()

	go func() {
		if err := server.Run(runCtx); err != nil {
			n.log.Error("transport server failed", zap.Error(err))
		}
	}()
	go follower.Run(runCtx)
	if monitor != nil {
		go monitor.Run(runCtx)
	}
	go abdicator.Run(runCtx)
	go n.watchLeadership(runCtx, sender)
	go n.observeView(runCtx)

	go func() {
		select {
		case <-follower.FirstSubmit():
			for _, fn := range listeners {
				fn()
			}
		case <-runCtx.Done():
		}
	}()

	n.mu.Lock()
	n.started = true
	n.mu.Unlock()

	n.log.Info("discovery started",
		zap.String("node_id", nodeID),
		zap.String("addr", cl.SelfAddress()),
		zap.String("transport", transportAddr),
		zap.Bool("master_eligible", d.MasterEligible()),
		zap.Bool("voter", voter),
		zap.Int("quorum_size", voting.QuorumSize()))
	return nil
}

// awaitSelfUp waits for the local member-up event.
func (n *Node) awaitSelfUp(ctx context.Context, events <-chan cluster.Event, cl *cluster.Cluster, timeout time.Duration) error {
	selfAddr := cl.SelfAddress()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w after %s", ErrStartupTimeout, timeout)
		case ev := <-events:
			if ev.Type == cluster.EventMemberUp && ev.Member.Addr == selfAddr {
				return nil
			}
		}
	}
}

// Publish forwards a host publish to the master.
func (n *Node) Publish(st state.ClusterState, ack AckListener) error {
	n.mu.Lock()
	started := n.started
	master := n.master
	n.mu.Unlock()

	if !started {
		return ErrNotStarted
	}
	if master == nil {
		return ErrNotMaster
	}
	return master.Publish(st, ack)
}

// Stop leaves the cluster and tears the node down. Idempotent; leave
// and shutdown timeouts are logged and swallowed.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	n.started = false
	cl := n.cluster
	cancel := n.cancel
	store := n.store
	master := n.master
	n.master = nil
	n.mu.Unlock()

	if cl != nil {
		leaveCtx, lc := context.WithTimeout(ctx, leaveTimeout)
		if err := cl.Leave(leaveCtx); err != nil {
			n.log.Warn("graceful leave incomplete", zap.Error(err))
		}
		lc()

		shutdownCtx, sc := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := cl.Shutdown(shutdownCtx); err != nil {
			n.log.Warn("substrate shutdown incomplete", zap.Error(err))
		}
		sc()
	}

	if master != nil {
		master.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if store != nil {
		store.Close()
	}
	return nil
}

// restartHook stops the node and forwards to the host's hook.
func (n *Node) restartHook(reason string) {
	stopCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout+shutdownTimeout)
	defer cancel()
	_ = n.Stop(stopCtx)
	if n.opts.RestartHook != nil {
		n.opts.RestartHook(reason)
	}
}

// watchLeadership runs the master singleton while the local node is
// the oldest master-eligible member.
func (n *Node) watchLeadership(ctx context.Context, sender Sender) {
	events := n.cluster.Subscribe(128)
	for {
		select {
		case <-ctx.Done():
			return
		case <-events:
			n.reconcileLeadership(ctx, sender)
		}
	}
}

func (n *Node) reconcileLeadership(ctx context.Context, sender Sender) {
	oldest, ok := cluster.OldestMasterEligible(n.cluster.Members())

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}

	isLeader := ok && oldest.NodeID == n.nodeID
	switch {
	case isLeader && n.master == nil:
		n.log.Info("assuming master role")
		m := NewMaster(n.self, n.cluster, n.store, sender, n.follower,
			n.opts.Discovery.PublishTimeout, n.opts.Metrics, n.log)
		n.master = m
		go m.Run(ctx)
	case !isLeader && n.master != nil:
		n.log.Info("ceding master role",
			zap.String("leader", oldest.NodeID))
		m := n.master
		n.master = nil
		go m.Stop()
	}
}

// observeView keeps the membership gauges current.
func (n *Node) observeView(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			members := n.cluster.Members()
			up, failed := 0, 0
			for _, m := range members {
				switch m.Status {
				case cluster.StatusUp:
					up++
				case cluster.StatusDown:
					failed++
				}
			}
			n.opts.Metrics.ClusterMembers.Set(float64(up))
			n.opts.Metrics.ClusterFailedPeers.Set(float64(failed))
		}
	}
}

// ─── transport.Handler ────────────────────────────────────────────────────────

// HandlePublish implements transport.Handler.
func (n *Node) HandlePublish(ctx context.Context, req transport.PublishRequest) transport.PublishAck {
	n.mu.Lock()
	follower := n.follower
	id := n.nodeID
	n.mu.Unlock()
	if follower == nil {
		return transport.PublishAck{Node: id, Error: ErrNotStarted.Error()}
	}
	return follower.HandlePublish(ctx, req)
}

// HandleRepublish implements transport.Handler. Dropped when the local
// node is not the master; the requester's periodic quorum check will
// find the right one.
func (n *Node) HandleRepublish(_ context.Context, req transport.RepublishRequest) {
	n.mu.Lock()
	master := n.master
	n.mu.Unlock()
	if master != nil {
		master.RequestRepublish(req.Requester)
	}
}

// HandlePing implements transport.Handler.
func (n *Node) HandlePing(ctx context.Context, req transport.PingRequest) transport.PingVote {
	n.mu.Lock()
	pinger := n.pinger
	n.mu.Unlock()
	if pinger == nil {
		return transport.PingVote{ReqID: req.ReqID}
	}
	return pinger.Handle(ctx, req)
}

// Identity implements transport.Handler.
func (n *Node) Identity() transport.Identity {
	n.mu.Lock()
	defer n.mu.Unlock()
	return transport.Identity{Node: n.nodeID, Addr: n.self.Address}
}
