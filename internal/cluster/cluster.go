// Package cluster — cluster.go
//
// Gossip membership substrate for eskka, built on hashicorp/serf.
//
// The substrate provides:
//   - cluster bootstrap from a static seed list,
//   - role and identity propagation via member tags,
//   - a coalesced member event stream projected onto the typed events
//     in events.go,
//   - a deterministic "oldest" ordering over master-eligible members,
//   - down (forced eviction of a failed member) and leave primitives,
//   - a direct reachability probe used by the ping responder.
//
// Tags carried by every member:
//
//	id      — NodeId (fresh uuid per process start)
//	master  — "true" when the node is master-eligible
//	voter   — "true" when the node's address is in the seed set
//	started — process start time, unix nanoseconds
//	xport   — discovery RPC address (host:port)
//
// Failure detection maps onto memberlist's probe machinery:
// heartbeat_interval → ProbeInterval, acceptable_heartbeat_pause →
// ProbeTimeout. A member that fails its probes surfaces as an
// UnreachableMember event; eviction is gossiped by RemoveFailedNode.
//
// Failed seed members are re-joined periodically so that a voter which
// recovers from a transient fault can return to the cluster without
// operator action.

package cluster

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/hashicorp/serf/serf"
	"go.uber.org/zap"
)

const (
	tagID      = "id"
	tagMaster  = "master"
	tagVoter   = "voter"
	tagStarted = "started"
	tagXport   = "xport"

	// eventBuffer bounds the raw serf event channel.
	eventBuffer = 256
)

// ErrProbeTimeout is returned by Probe when the target did not answer
// within the requested window.
var ErrProbeTimeout = fmt.Errorf("cluster: probe timed out")

// ErrUnknownMember is returned when an operation names an address that
// is not in the current membership view.
var ErrUnknownMember = fmt.Errorf("cluster: unknown member")

// Config holds the substrate parameters.
type Config struct {
	// NodeID is the process-lifetime identity; the gossip name is
	// derived from it.
	NodeID string

	BindHost string
	BindPort int

	// TransportAddr is this node's discovery RPC address, gossiped to
	// peers via the xport tag.
	TransportAddr string

	MasterEligible bool
	Voter          bool

	// StartedAt is the process start time used for the oldest ordering.
	StartedAt time.Time

	// Seeds are the resolved seed addresses.
	Seeds []string

	HeartbeatInterval        time.Duration
	AcceptableHeartbeatPause time.Duration

	// ReconnectInterval is how often failed seed members are re-joined.
	// Zero disables the reconnect loop.
	ReconnectInterval time.Duration
}

// Cluster wraps a serf instance behind the typed membership contract.
type Cluster struct {
	cfg  Config
	log  *zap.Logger
	serf *serf.Serf

	rawEvents chan serf.Event

	mu     sync.Mutex
	subs   []*subscription
	mapper *eventMapper

	// OnDrop, when set, is invoked once per event dropped on a full
	// subscriber mailbox. Set before Run.
	OnDrop func()

	stopc    chan struct{}
	stopOnce sync.Once
}

type subscription struct {
	ch chan Event
}

// New creates the substrate but does not contact the network until Join
// is called.
func New(cfg Config, log *zap.Logger) (*Cluster, error) {
	c := &Cluster{
		cfg:       cfg,
		log:       log,
		rawEvents: make(chan serf.Event, eventBuffer),
		mapper:    newEventMapper(),
		stopc:     make(chan struct{}),
	}

	ml := memberlist.DefaultLANConfig()
	ml.Name = cfg.NodeID
	ml.BindAddr = cfg.BindHost
	ml.BindPort = cfg.BindPort
	ml.AdvertisePort = cfg.BindPort
	ml.ProbeInterval = cfg.HeartbeatInterval
	ml.ProbeTimeout = cfg.AcceptableHeartbeatPause
	ml.LogOutput = &logWriter{l: log}

	sc := serf.DefaultConfig()
	sc.NodeName = cfg.NodeID
	sc.Tags = map[string]string{
		tagID:      cfg.NodeID,
		tagMaster:  strconv.FormatBool(cfg.MasterEligible),
		tagVoter:   strconv.FormatBool(cfg.Voter),
		tagStarted: strconv.FormatInt(cfg.StartedAt.UnixNano(), 10),
		tagXport:   cfg.TransportAddr,
	}
	sc.EventCh = c.rawEvents
	sc.MemberlistConfig = ml
	sc.LogOutput = &logWriter{l: log}

	s, err := serf.Create(sc)
	if err != nil {
		return nil, fmt.Errorf("cluster: serf create: %w", err)
	}
	c.serf = s
	return c, nil
}

// Join contacts the seed addresses. A join error is not fatal: the
// first seed to start has nobody to join, and the reconnect loop keeps
// trying the rest.
func (c *Cluster) Join() {
	n, err := c.serf.Join(c.cfg.Seeds, true)
	if err != nil {
		c.log.Warn("seed join incomplete", zap.Error(err),
			zap.Strings("seeds", c.cfg.Seeds))
		return
	}
	c.log.Debug("joined cluster", zap.Int("contacted", n))
}

// Run pumps substrate events to subscribers until ctx is cancelled.
func (c *Cluster) Run(ctx context.Context) {
	if c.cfg.ReconnectInterval > 0 {
		go c.reconnectLoop(ctx)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopc:
				return
			case raw := <-c.rawEvents:
				me, ok := raw.(serf.MemberEvent)
				if !ok {
					continue
				}
				c.mu.Lock()
				events := c.mapper.mapEvent(me)
				for _, ev := range events {
					for _, sub := range c.subs {
						select {
						case sub.ch <- ev:
						default:
							// Slow subscriber: drop rather than stall
							// the pump. The periodic quorum check
							// reconciles against the full snapshot.
							if c.OnDrop != nil {
								c.OnDrop()
							}
						}
					}
				}
				c.mu.Unlock()
			}
		}
	}()
}

// Subscribe returns a channel of membership events. The current view is
// replayed as MemberUp events before any live event. buf must be large
// enough to absorb bursts; events beyond it are dropped.
func (c *Cluster) Subscribe(buf int) <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	members := c.membersLocked()
	if buf < len(members)+16 {
		buf = len(members) + 16
	}
	sub := &subscription{ch: make(chan Event, buf)}
	for _, m := range members {
		if m.Status == StatusUp {
			sub.ch <- Event{Type: EventMemberUp, Member: m}
		}
	}
	c.subs = append(c.subs, sub)
	return sub.ch
}

// Members returns the current membership snapshot.
func (c *Cluster) Members() []Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.membersLocked()
}

func (c *Cluster) membersLocked() []Member {
	sms := c.serf.Members()
	out := make([]Member, 0, len(sms))
	for _, sm := range sms {
		out = append(out, memberFromSerf(sm))
	}
	return out
}

// Self returns the local member projection.
func (c *Cluster) Self() Member {
	return memberFromSerf(c.serf.LocalMember())
}

// SelfAddress returns the local canonical gossip address.
func (c *Cluster) SelfAddress() string {
	return c.Self().Addr
}

// Lookup finds a member by canonical gossip address.
func (c *Cluster) Lookup(addr string) (Member, bool) {
	for _, m := range c.Members() {
		if m.Addr == addr {
			return m, true
		}
	}
	return Member{}, false
}

// Down forcibly evicts the member at addr. The eviction is gossiped;
// the record becomes absorbing.
func (c *Cluster) Down(addr string) error {
	m, ok := c.Lookup(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMember, addr)
	}
	if err := c.serf.RemoveFailedNode(m.Name); err != nil {
		return fmt.Errorf("cluster: down %s: %w", addr, err)
	}
	return nil
}

// Probe checks direct reachability of the target using the failure
// detector's probe primitive, bounded by timeout. Returns nil when the
// target answered, ErrProbeTimeout when the window expired, and the
// probe error otherwise.
func (c *Cluster) Probe(target Member, timeout time.Duration) error {
	host, portStr, err := net.SplitHostPort(target.Addr)
	if err != nil {
		return fmt.Errorf("cluster: probe %s: %w", target.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("cluster: probe %s: %w", target.Addr, err)
	}
	udp := &net.UDPAddr{IP: net.ParseIP(host), Port: port}

	done := make(chan error, 1)
	go func() {
		_, perr := c.serf.Memberlist().Ping(target.Name, udp)
		done <- perr
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case perr := <-done:
		if perr != nil {
			return fmt.Errorf("cluster: probe %s: %w", target.Addr, perr)
		}
		return nil
	case <-timer.C:
		return ErrProbeTimeout
	}
}

// Leave gracefully departs the cluster, bounded by ctx.
func (c *Cluster) Leave(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- c.serf.Leave() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown terminates the substrate, bounded by ctx. Safe after Leave.
func (c *Cluster) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopc) })
	if err := c.serf.Shutdown(); err != nil {
		return err
	}
	select {
	case <-c.serf.ShutdownCh():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reconnectLoop periodically re-joins seed addresses that are not in
// the current view, so failed voters can return.
func (c *Cluster) reconnectLoop(ctx context.Context) {
	tick := time.NewTicker(c.cfg.ReconnectInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopc:
			return
		case <-tick.C:
			present := make(map[string]bool)
			for _, m := range c.Members() {
				if m.Status == StatusUp {
					present[m.Addr] = true
				}
			}
			var missing []string
			for _, s := range c.cfg.Seeds {
				if !present[s] && s != c.SelfAddress() {
					missing = append(missing, s)
				}
			}
			if len(missing) == 0 {
				continue
			}
			if _, err := c.serf.Join(missing, true); err != nil {
				c.log.Debug("seed reconnect failed", zap.Error(err),
					zap.Strings("seeds", missing))
			}
		}
	}
}

// OldestMasterEligible returns the leader under the oldest rule: the
// master-eligible UP member with the smallest (started, name) pair.
// Returns false when no master-eligible member is up.
func OldestMasterEligible(members []Member) (Member, bool) {
	var oldest Member
	found := false
	for _, m := range members {
		if !m.MasterEligible || m.Status != StatusUp {
			continue
		}
		if !found || less(m, oldest) {
			oldest = m
			found = true
		}
	}
	return oldest, found
}

func less(a, b Member) bool {
	if a.StartedAt != b.StartedAt {
		return a.StartedAt < b.StartedAt
	}
	return a.Name < b.Name
}

// memberFromSerf projects a serf member, decoding the eskka tags.
func memberFromSerf(sm serf.Member) Member {
	started, _ := strconv.ParseInt(sm.Tags[tagStarted], 10, 64)
	return Member{
		Name:           sm.Name,
		Addr:           net.JoinHostPort(sm.Addr.String(), strconv.Itoa(int(sm.Port))),
		NodeID:         sm.Tags[tagID],
		TransportAddr:  sm.Tags[tagXport],
		MasterEligible: sm.Tags[tagMaster] == "true",
		Voter:          sm.Tags[tagVoter] == "true",
		StartedAt:      started,
		Status:         mapStatus(sm.Status),
	}
}

// logWriter adapts the substrate's log output onto zap at debug level.
type logWriter struct {
	l *zap.Logger
}

func (w *logWriter) Write(b []byte) (int, error) {
	w.l.Debug(string(b))
	return len(b), nil
}
