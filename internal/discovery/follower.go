// Package discovery — follower.go
//
// The follower runs on every node. It accepts state publishes from the
// master, gated on the local quorum view, and clears its state when
// quorum is lost so that a minority partition never serves stale
// cluster metadata.
//
// Mailbox messages:
//
//	publishMsg         — a publish arriving over the transport
//	clearStateMsg      — install the cleared snapshot (self-scheduled)
//	masterPublishedMsg — the colocated master applied a publish locally
//
// A 250ms ticker drives the quorum check. On the transition to
// no-quorum the follower schedules a state clear; on the transition
// back it raises pendingPublish and keeps asking the master for a
// snapshot until one is applied.

package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cgvarela/eskka/internal/cluster"
	"github.com/cgvarela/eskka/internal/observability"
	"github.com/cgvarela/eskka/internal/state"
	"github.com/cgvarela/eskka/internal/transport"
)

const (
	quorumCheckInterval  = 250 * time.Millisecond
	retryClearStateDelay = 1 * time.Second
	republishAskTimeout  = 2 * time.Second
)

type publishMsg struct {
	req   transport.PublishRequest
	reply chan transport.PublishAck
}

type clearStateMsg struct{}

type masterPublishedMsg struct {
	tr state.Transition
}

// Follower accepts master publishes and polices the quorum invariant.
type Follower struct {
	self       state.Node
	voting     VotingMembers
	membership Membership
	store      *state.Store
	codec      state.Codec
	sender     Sender
	metrics    *observability.Metrics
	log        *zap.Logger

	mailbox chan any

	firstOnce   sync.Once
	firstSubmit chan struct{}

	stopOnce sync.Once
	stopc    chan struct{}
	donec    chan struct{}

	// Loop-local state; only the run loop touches these.
	quorumOK       bool
	pendingPublish bool
}

// NewFollower creates the follower. Call Run to start it.
func NewFollower(
	self state.Node,
	voting VotingMembers,
	membership Membership,
	store *state.Store,
	sender Sender,
	metrics *observability.Metrics,
	log *zap.Logger,
) *Follower {
	return &Follower{
		self:        self,
		voting:      voting,
		membership:  membership,
		store:       store,
		sender:      sender,
		metrics:     metrics,
		log:         log,
		mailbox:     make(chan any, 64),
		firstSubmit: make(chan struct{}),
		stopc:       make(chan struct{}),
		donec:       make(chan struct{}),
		quorumOK:    true,
	}
}

// FirstSubmit returns a channel closed on the first successful state
// application. The lifecycle fires initial-state listeners off it.
func (f *Follower) FirstSubmit() <-chan struct{} {
	return f.firstSubmit
}

// HandlePublish delivers a publish into the mailbox and waits for the
// acknowledgement.
func (f *Follower) HandlePublish(ctx context.Context, req transport.PublishRequest) transport.PublishAck {
	reply := make(chan transport.PublishAck, 1)
	select {
	case f.mailbox <- publishMsg{req: req, reply: reply}:
	case <-ctx.Done():
		return transport.PublishAck{Node: f.self.ID, Error: ctx.Err().Error()}
	case <-f.stopc:
		return transport.PublishAck{Node: f.self.ID, Error: ErrStopped.Error()}
	}
	select {
	case ack := <-reply:
		return ack
	case <-ctx.Done():
		return transport.PublishAck{Node: f.self.ID, Error: ctx.Err().Error()}
	case <-f.stopc:
		return transport.PublishAck{Node: f.self.ID, Error: ErrStopped.Error()}
	}
}

// LocalMasterPublished notes that the colocated master applied a
// publish through the shared store.
func (f *Follower) LocalMasterPublished(tr state.Transition) {
	select {
	case f.mailbox <- masterPublishedMsg{tr: tr}:
	case <-f.stopc:
	}
}

// Run processes the mailbox until ctx is cancelled or Stop is called.
func (f *Follower) Run(ctx context.Context) {
	defer close(f.donec)

	ticker := time.NewTicker(quorumCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopc:
			return
		case <-ticker.C:
			f.quorumCheck(ctx)
		case msg := <-f.mailbox:
			switch m := msg.(type) {
			case publishMsg:
				m.reply <- f.applyPublish(ctx, m.req)
			case clearStateMsg:
				f.clearState(ctx)
			case masterPublishedMsg:
				f.noteApplied()
			}
		}
	}
}

// Stop terminates the loop and waits for it to exit.
func (f *Follower) Stop() {
	f.stopOnce.Do(func() { close(f.stopc) })
	<-f.donec
}

// applyPublish decodes, merges, and applies one published snapshot,
// returning the acknowledgement.
func (f *Follower) applyPublish(ctx context.Context, req transport.PublishRequest) transport.PublishAck {
	if !f.quorumOK {
		f.metrics.FollowerAppliesTotal.WithLabelValues("quorum_unavailable").Inc()
		return transport.PublishAck{Node: f.self.ID, Error: ErrQuorumUnavailable.Error()}
	}

	incoming, err := f.codec.Decode(req.CodecVersion, req.State)
	if err != nil {
		f.metrics.FollowerAppliesTotal.WithLabelValues("error").Inc()
		return transport.PublishAck{Node: f.self.ID, Error: err.Error()}
	}
	if incoming.MasterNodeID == f.self.ID {
		// A publish must come from a remote master; the local master
		// applies through its own store, not the transport.
		f.metrics.FollowerAppliesTotal.WithLabelValues("error").Inc()
		return transport.PublishAck{
			Node:  f.self.ID,
			Error: fmt.Sprintf("publish names local node %s as master", f.self.ID),
		}
	}

	tr, err := f.store.Submit(ctx, "follower{master-publish}", state.Urgent, mergePublish(incoming))
	if err != nil {
		outcome := "error"
		if errors.Is(err, state.ErrStaleVersion) {
			outcome = "stale"
		}
		f.metrics.FollowerAppliesTotal.WithLabelValues(outcome).Inc()
		return transport.PublishAck{Node: f.self.ID, Error: err.Error()}
	}

	f.metrics.FollowerAppliesTotal.WithLabelValues("ok").Inc()
	f.log.Debug("publish applied",
		zap.Int64("version", tr.New.Version),
		zap.String("master", tr.New.MasterNodeID))
	f.noteApplied()
	return transport.PublishAck{Node: f.self.ID}
}

// mergePublish builds the transform for an incoming snapshot: segments
// whose version did not change are kept from the current snapshot so
// unchanged routing tables and index metadata are not churned.
func mergePublish(incoming state.ClusterState) state.Transform {
	return func(cur state.ClusterState) (state.ClusterState, error) {
		next := incoming

		if incoming.Routing.Version == cur.Routing.Version {
			next.Routing = cur.Routing
		}

		if incoming.Meta.Version == cur.Meta.Version {
			next.Meta = cur.Meta
		} else {
			merged := state.Meta{
				Version: incoming.Meta.Version,
				Indices: make(map[string]state.IndexMeta, len(incoming.Meta.Indices)),
			}
			for name, im := range incoming.Meta.Indices {
				if cim, ok := cur.Meta.Indices[name]; ok && cim.Version == im.Version {
					merged.Indices[name] = cim
				} else {
					merged.Indices[name] = im
				}
			}
			next.Meta = merged
		}
		return next, nil
	}
}

// quorumCheck is the periodic reconciliation against the substrate
// snapshot.
func (f *Follower) quorumCheck(ctx context.Context) {
	cur := f.voting.QuorumAvailable(f.membership.Members())

	f.metrics.QuorumChecksTotal.Inc()
	if cur {
		f.metrics.QuorumAvailable.Set(1)
	} else {
		f.metrics.QuorumAvailable.Set(0)
	}

	if cur != f.quorumOK {
		if !cur {
			f.log.Info("quorum lost, scheduling state clear")
			f.scheduleClearState(0)
		} else {
			f.log.Info("quorum regained, requesting publish from master")
			f.pendingPublish = true
		}
	}
	if f.pendingPublish {
		f.askMasterToPublish(ctx)
	}
	f.quorumOK = cur
}

// askMasterToPublish sends the idempotent republish request to the
// current leader. Failures drop silently; the next quorum check
// re-sends while pendingPublish holds.
func (f *Follower) askMasterToPublish(ctx context.Context) {
	master, ok := cluster.OldestMasterEligible(f.membership.Members())
	if !ok || master.NodeID == f.self.ID || master.TransportAddr == "" {
		return
	}
	requester := f.membership.Self().TransportAddr
	go func() {
		askCtx, cancel := context.WithTimeout(ctx, republishAskTimeout)
		defer cancel()
		err := f.sender.RequestRepublish(askCtx, master.TransportAddr,
			transport.RepublishRequest{Requester: requester})
		if err != nil {
			f.log.Debug("republish request not delivered",
				zap.String("master", master.Addr), zap.Error(err))
		}
	}()
}

// scheduleClearState enqueues a clearStateMsg after d.
func (f *Follower) scheduleClearState(d time.Duration) {
	if d == 0 {
		select {
		case f.mailbox <- clearStateMsg{}:
		case <-f.stopc:
		}
		return
	}
	time.AfterFunc(d, func() {
		select {
		case f.mailbox <- clearStateMsg{}:
		case <-f.stopc:
		}
	})
}

// clearState installs the cleared snapshot if the node is still
// without quorum. Failures retry after a fixed delay.
func (f *Follower) clearState(ctx context.Context) {
	if f.voting.QuorumAvailable(f.membership.Members()) {
		return
	}
	if f.store.Current().HasBlock(state.NoMasterBlock) {
		return // already cleared
	}

	self := f.self
	_, err := f.store.Submit(ctx, "follower{clear-state}", state.Urgent,
		func(cur state.ClusterState) (state.ClusterState, error) {
			return state.Cleared(cur.Version+1, self), nil
		})
	if err != nil {
		if errors.Is(err, state.ErrClosed) {
			return
		}
		f.log.Warn("state clear failed, retrying", zap.Error(err))
		f.scheduleClearState(retryClearStateDelay)
		return
	}
	f.log.Info("state cleared under quorum loss")
}

// noteApplied fires the first-submit promise and drops the pending
// republish request.
func (f *Follower) noteApplied() {
	f.firstOnce.Do(func() { close(f.firstSubmit) })
	f.pendingPublish = false
}
