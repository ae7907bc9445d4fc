// Package discovery — partition.go
//
// Quorum-ping partition monitor. Runs on voter members only.
//
// A member is downed only under the conjunction of two signals:
//   - the local failure detector reports it unreachable, and
//   - a quorum of enfranchised voters each affirmatively report that
//     their own probe of the member timed out.
//
// The second signal must be affirmative: a voter that stays silent, is
// unreachable itself, or answers "probe completed" contributes nothing
// toward the downing threshold. Without that rule, losing the voters
// would look identical to losing the target, and a partitioned
// minority could convict the healthy majority.
//
// Evaluation protocol per unreachable member:
//
//	UnreachableMember ──(evalDelay)──→ Evaluate
//	Evaluate: one ping request to every registered voter
//	          collection window = pingTimeout × 1.25
//	window closed: |affirmative timeouts| >= quorum → down + journal
//	               otherwise                        → retry after evalDelay
//
// Every voter runs the same monitor. The majority side of a partition
// can gather a quorum of affirmative timeouts and downs the members it
// cannot reach; the minority side cannot, so it downs nobody, loses
// quorum, and the abdicator turns that into a restart.

package discovery

import (
	"context"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cgvarela/eskka/internal/cluster"
	"github.com/cgvarela/eskka/internal/observability"
	"github.com/cgvarela/eskka/internal/storage"
	"github.com/cgvarela/eskka/internal/transport"
)

// evalWindowNum/Den give the 1.25 receipt fudge over the ping timeout.
const (
	evalWindowNum = 5
	evalWindowDen = 4
)

type pmEnrollMsg struct {
	addr string
}

type pmRegisteredMsg struct {
	addr  string
	xport string
}

type pmEvaluateMsg struct {
	addr string
}

type pmEvalDoneMsg struct {
	addr     string
	reqID    string
	timeouts []string
}

// PartitionMonitor makes quorum-based liveness decisions.
type PartitionMonitor struct {
	selfID      string
	voting      VotingMembers
	membership  Membership
	sender      Sender
	journal     Journal
	pingTimeout time.Duration
	evalDelay   time.Duration
	metrics     *observability.Metrics
	log         *zap.Logger

	mailbox chan any

	stopOnce sync.Once
	stopc    chan struct{}
	donec    chan struct{}

	// Loop-local state; only the run loop touches these.
	franchised  mapset.Set[string]
	registered  map[string]string // voter gossip addr → transport addr
	unreachable mapset.Set[string]
	pending     map[string]context.CancelFunc // eval target → cancel
}

// NewPartitionMonitor creates the monitor. Call Run to start it; the
// caller must only do so on voter members.
func NewPartitionMonitor(
	selfID string,
	voting VotingMembers,
	membership Membership,
	sender Sender,
	journal Journal,
	pingTimeout, evalDelay time.Duration,
	metrics *observability.Metrics,
	log *zap.Logger,
) *PartitionMonitor {
	if journal == nil {
		journal = nopJournal{}
	}
	return &PartitionMonitor{
		selfID:      selfID,
		voting:      voting,
		membership:  membership,
		sender:      sender,
		journal:     journal,
		pingTimeout: pingTimeout,
		evalDelay:   evalDelay,
		metrics:     metrics,
		log:         log,
		mailbox:     make(chan any, 128),
		stopc:       make(chan struct{}),
		donec:       make(chan struct{}),
		franchised:  mapset.NewThreadUnsafeSet[string](),
		registered:  make(map[string]string),
		unreachable: mapset.NewThreadUnsafeSet[string](),
		pending:     make(map[string]context.CancelFunc),
	}
}

// Run processes membership events and the mailbox until ctx is
// cancelled or Stop is called.
func (pm *PartitionMonitor) Run(ctx context.Context) {
	defer close(pm.donec)

	events := pm.membership.Subscribe(128)
	for {
		select {
		case <-ctx.Done():
			return
		case <-pm.stopc:
			return
		case ev := <-events:
			pm.handleEvent(ev)
		case msg := <-pm.mailbox:
			switch m := msg.(type) {
			case pmEnrollMsg:
				pm.enroll(ctx, m.addr)
			case pmRegisteredMsg:
				pm.register(m.addr, m.xport)
			case pmEvaluateMsg:
				pm.evaluate(ctx, m.addr)
			case pmEvalDoneMsg:
				pm.evalDone(m)
			}
		}
	}
}

// Stop terminates the loop and waits for it to exit.
func (pm *PartitionMonitor) Stop() {
	pm.stopOnce.Do(func() { close(pm.stopc) })
	<-pm.donec
	for _, cancel := range pm.pending {
		cancel()
	}
}

func (pm *PartitionMonitor) handleEvent(ev cluster.Event) {
	addr := ev.Member.Addr
	switch ev.Type {
	case cluster.EventMemberUp:
		if pm.voting.Contains(addr) {
			pm.franchised.Add(addr)
			pm.enqueue(pmEnrollMsg{addr: addr})
		}
		if pm.unreachable.Contains(addr) {
			pm.unreachable.Remove(addr)
			pm.cancelEval(addr)
		}
	case cluster.EventReachable:
		if pm.voting.Contains(addr) {
			pm.franchised.Add(addr)
			pm.enqueue(pmEnrollMsg{addr: addr})
		}
		pm.unreachable.Remove(addr)
		pm.cancelEval(addr)
	case cluster.EventMemberExited, cluster.EventMemberRemoved:
		pm.franchised.Remove(addr)
		delete(pm.registered, addr)
		pm.unreachable.Remove(addr)
		pm.cancelEval(addr)
	case cluster.EventUnreachable:
		if ev.Member.Status == cluster.StatusDown || ev.Member.Status == cluster.StatusExiting {
			return
		}
		pm.unreachable.Add(addr)
		pm.scheduleEvaluate(addr, pm.evalDelay)
	}
}

// enroll resolves a voter's ping responder by identity probe. On
// failure the enrollment retries after evalDelay.
func (pm *PartitionMonitor) enroll(ctx context.Context, addr string) {
	if !pm.franchised.Contains(addr) {
		return
	}
	member, ok := pm.membership.Lookup(addr)
	if !ok || member.TransportAddr == "" {
		pm.retryEnroll(addr)
		return
	}
	xport := member.TransportAddr
	go func() {
		idCtx, cancel := context.WithTimeout(ctx, pm.pingTimeout)
		defer cancel()
		id, err := pm.sender.Identify(idCtx, xport)
		if err != nil || id.Node == "" {
			pm.log.Debug("voter enrollment failed, will retry",
				zap.String("voter", addr), zap.Error(err))
			pm.retryEnroll(addr)
			return
		}
		pm.enqueue(pmRegisteredMsg{addr: addr, xport: xport})
	}()
}

func (pm *PartitionMonitor) retryEnroll(addr string) {
	time.AfterFunc(pm.evalDelay, func() {
		pm.enqueue(pmEnrollMsg{addr: addr})
	})
}

func (pm *PartitionMonitor) register(addr, xport string) {
	if !pm.franchised.Contains(addr) {
		return
	}
	pm.registered[addr] = xport
	pm.log.Debug("voter registered", zap.String("voter", addr))
}

func (pm *PartitionMonitor) scheduleEvaluate(addr string, d time.Duration) {
	time.AfterFunc(d, func() {
		pm.enqueue(pmEvaluateMsg{addr: addr})
	})
}

// evaluate launches one quorum-ping round for an unreachable member.
func (pm *PartitionMonitor) evaluate(ctx context.Context, target string) {
	if !pm.unreachable.Contains(target) {
		return // recovered or already handled
	}
	if _, running := pm.pending[target]; running {
		return
	}

	reqID := uuid.NewString()
	voters := make(map[string]string, len(pm.registered))
	for addr, xport := range pm.registered {
		voters[addr] = xport
	}

	collectCtx, cancel := context.WithCancel(ctx)
	pm.pending[target] = cancel
	pm.metrics.PartitionEvaluationsTotal.Inc()
	pm.log.Info("evaluating unreachable member",
		zap.String("target", target),
		zap.String("req_id", reqID),
		zap.Int("voters", len(voters)))

	go pm.collect(collectCtx, target, reqID, voters)
}

// collect fans the ping request out to every registered voter and
// tallies affirmative timeouts until the collection window closes.
func (pm *PartitionMonitor) collect(ctx context.Context, target, reqID string, voters map[string]string) {
	window := pm.pingTimeout * evalWindowNum / evalWindowDen
	req := transport.PingRequest{
		ReqID:         reqID,
		Target:        target,
		TimeoutMillis: pm.pingTimeout.Milliseconds(),
	}

	votes := make(chan transport.PingVote, len(voters))
	for voterAddr, xport := range voters {
		go func(voterAddr, xport string) {
			callCtx, cancel := context.WithTimeout(ctx, window)
			defer cancel()
			vote, err := pm.sender.PingVote(callCtx, xport, req)
			if err != nil {
				// Silence from a voter is not a vote.
				return
			}
			if vote.ReqID != reqID {
				return
			}
			if vote.Voter == "" {
				vote.Voter = voterAddr
			}
			select {
			case votes <- vote:
			case <-ctx.Done():
			}
		}(voterAddr, xport)
	}

	timer := time.NewTimer(window)
	defer timer.Stop()

	timeouts := mapset.NewThreadUnsafeSet[string]()
	received := 0
	for received < len(voters) {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			received = len(voters) // window closed
		case v := <-votes:
			received++
			if v.TimedOut {
				timeouts.Add(v.Voter)
			}
		}
	}

	pm.enqueue(pmEvalDoneMsg{addr: target, reqID: reqID, timeouts: timeouts.ToSlice()})
}

// evalDone applies the downing rule to one finished round.
func (pm *PartitionMonitor) evalDone(m pmEvalDoneMsg) {
	cancel, running := pm.pending[m.addr]
	if !running {
		return // cancelled while collecting
	}
	cancel()
	delete(pm.pending, m.addr)

	// Forget the member; it is re-added below or by the next
	// unreachable event if it is still gone.
	pm.unreachable.Remove(m.addr)

	quorum := pm.voting.QuorumSize()
	if len(m.timeouts) >= quorum {
		pm.log.Warn("downing unreachable member",
			zap.String("target", m.addr),
			zap.Strings("convicting_voters", m.timeouts),
			zap.Int("quorum", quorum))
		if err := pm.membership.Down(m.addr); err != nil {
			pm.log.Warn("down failed", zap.String("target", m.addr), zap.Error(err))
		}
		pm.metrics.DowningDecisionsTotal.Inc()
		if err := pm.journal.AppendDowning(storage.DowningRecord{
			Target:     m.addr,
			Voters:     m.timeouts,
			QuorumSize: quorum,
			NodeID:     pm.selfID,
		}); err != nil {
			pm.log.Warn("downing record not journaled", zap.Error(err))
		}
		return
	}

	// No conviction. If the member is still gone from our side, keep
	// evaluating; otherwise wait for the next unreachable event.
	if member, ok := pm.membership.Lookup(m.addr); !ok || member.Status != cluster.StatusUp {
		pm.unreachable.Add(m.addr)
		pm.scheduleEvaluate(m.addr, pm.evalDelay)
	}
	pm.log.Debug("evaluation inconclusive",
		zap.String("target", m.addr),
		zap.Int("affirmative_timeouts", len(m.timeouts)),
		zap.Int("quorum", quorum))
}

func (pm *PartitionMonitor) cancelEval(addr string) {
	if cancel, ok := pm.pending[addr]; ok {
		cancel()
		delete(pm.pending, addr)
	}
}

func (pm *PartitionMonitor) enqueue(msg any) {
	select {
	case pm.mailbox <- msg:
	case <-pm.stopc:
	}
}
