// Package discovery — master.go
//
// The master runs only on the current leader (the oldest
// master-eligible member). It serializes publish requests from the
// host: each one is applied locally through the shared state store,
// then fanned out to every non-master member named by the published
// snapshot. Acknowledgements are collected by an ephemeral response
// handler so the host's ack listener sees exactly one outcome per
// recipient.
//
// Leadership overlap during a failover is tolerated, not excluded:
// both claimants may publish, and the version check in the state store
// rejects whichever snapshot is stale.

package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cgvarela/eskka/internal/observability"
	"github.com/cgvarela/eskka/internal/state"
	"github.com/cgvarela/eskka/internal/transport"
)

// publishTimeoutCap is the hard cap on one publish round.
const publishTimeoutCap = 60 * time.Second

type masterPublishMsg struct {
	st   state.ClusterState
	ack  AckListener
	done chan error
}

type masterRepublishMsg struct {
	requester string
}

// Master is the leader's publication pipeline.
type Master struct {
	self       state.Node
	membership Membership
	store      *state.Store
	codec      state.Codec
	sender     Sender
	local      *Follower
	timeout    time.Duration
	metrics    *observability.Metrics
	log        *zap.Logger

	mailbox chan any

	stopOnce sync.Once
	stopc    chan struct{}
	donec    chan struct{}
}

// NewMaster creates the publication pipeline. timeout is the host's
// publish timeout, capped at 60s; zero takes the cap.
func NewMaster(
	self state.Node,
	membership Membership,
	store *state.Store,
	sender Sender,
	local *Follower,
	timeout time.Duration,
	metrics *observability.Metrics,
	log *zap.Logger,
) *Master {
	if timeout <= 0 || timeout > publishTimeoutCap {
		timeout = publishTimeoutCap
	}
	return &Master{
		self:       self,
		membership: membership,
		store:      store,
		sender:     sender,
		local:      local,
		timeout:    timeout,
		metrics:    metrics,
		log:        log,
		mailbox:    make(chan any, 16),
		stopc:      make(chan struct{}),
		donec:      make(chan struct{}),
	}
}

// Publish enqueues one publish round and returns once it has been
// accepted locally and the fan-out is underway. The ack listener is
// invoked asynchronously, once per non-master recipient.
func (m *Master) Publish(st state.ClusterState, ack AckListener) error {
	msg := masterPublishMsg{st: st, ack: ack, done: make(chan error, 1)}
	select {
	case m.mailbox <- msg:
	case <-m.stopc:
		return ErrStopped
	}
	select {
	case err := <-msg.done:
		return err
	case <-m.stopc:
		return ErrStopped
	}
}

// RequestRepublish asks the master to resend the current snapshot to a
// single requester. Best-effort.
func (m *Master) RequestRepublish(requester string) {
	select {
	case m.mailbox <- masterRepublishMsg{requester: requester}:
	case <-m.stopc:
	}
}

// Run processes the mailbox until ctx is cancelled or Stop is called.
func (m *Master) Run(ctx context.Context) {
	defer close(m.donec)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopc:
			return
		case msg := <-m.mailbox:
			switch req := msg.(type) {
			case masterPublishMsg:
				req.done <- m.publish(ctx, req.st, req.ack)
			case masterRepublishMsg:
				m.republish(ctx, req.requester)
			}
		}
	}
}

// Stop terminates the loop and waits for it to exit. Pending response
// handlers finish on their own timers.
func (m *Master) Stop() {
	m.stopOnce.Do(func() { close(m.stopc) })
	<-m.donec
}

// publish runs one round: local apply, then fan-out.
func (m *Master) publish(ctx context.Context, st state.ClusterState, ack AckListener) error {
	st.MasterNodeID = m.self.ID

	recipients := nonMasterNodes(st)

	tr, err := m.store.Submit(ctx, "master{local-publish}", state.Urgent,
		func(state.ClusterState) (state.ClusterState, error) { return st, nil })
	if err != nil {
		// A stale local apply means this snapshot lost to a newer one;
		// broadcasting it would only be rejected everywhere. The round
		// is aborted and every expected recipient observes the failure.
		m.metrics.PublishTotal.WithLabelValues("error").Inc()
		m.log.Warn("local publish rejected", zap.Error(err),
			zap.Int64("version", st.Version))
		for _, node := range recipients {
			ack(node.ID, err)
		}
		return err
	}
	if m.local != nil {
		m.local.LocalMasterPublished(tr)
	}

	encoded, err := m.codec.Encode(st)
	if err != nil {
		m.metrics.PublishTotal.WithLabelValues("error").Inc()
		for _, node := range recipients {
			ack(node.ID, err)
		}
		return err
	}
	req := transport.PublishRequest{
		Version:      st.Version,
		CodecVersion: state.CodecVersion,
		State:        encoded,
	}

	expected := make([]string, 0, len(recipients))
	for _, node := range recipients {
		expected = append(expected, node.ID)
	}
	handler := newPublishHandler(expected, ack, m.timeout, m.metrics, m.log)

	for _, node := range recipients {
		go m.deliver(ctx, node, req, handler)
	}

	m.metrics.PublishTotal.WithLabelValues("ok").Inc()
	m.log.Info("publish started",
		zap.Int64("version", st.Version),
		zap.Int("recipients", len(recipients)))
	return nil
}

// deliver sends the snapshot to one recipient and routes the outcome
// into the response handler.
func (m *Master) deliver(ctx context.Context, node state.Node, req transport.PublishRequest, h *publishHandler) {
	sendCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	addr := node.TransportAddr
	if addr == "" {
		// The snapshot may predate the member's transport tag; fall
		// back to the live view.
		if member, ok := m.membership.Lookup(node.Address); ok {
			addr = member.TransportAddr
		}
	}
	if addr == "" {
		h.onAck(node.ID, errors.New("no transport address for recipient"))
		return
	}

	pubAck, err := m.sender.Publish(sendCtx, addr, req)
	switch {
	case err != nil:
		h.onAck(node.ID, err)
	case pubAck.Error != "":
		h.onAck(node.ID, errors.New(pubAck.Error))
	default:
		h.onAck(node.ID, nil)
	}
}

// republish sends the current snapshot to a single follower that has
// just re-acquired quorum.
func (m *Master) republish(ctx context.Context, requester string) {
	st := m.store.Current()
	if st.Version == 0 || st.HasBlock(state.StateNotRecoveredBlock) {
		return // nothing worth sending yet
	}
	encoded, err := m.codec.Encode(st)
	if err != nil {
		m.log.Warn("republish encode failed", zap.Error(err))
		return
	}
	req := transport.PublishRequest{
		Version:      st.Version,
		CodecVersion: state.CodecVersion,
		State:        encoded,
	}
	go func() {
		sendCtx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		pubAck, err := m.sender.Publish(sendCtx, requester, req)
		if err != nil {
			m.log.Debug("republish not delivered",
				zap.String("requester", requester), zap.Error(err))
			return
		}
		if pubAck.Error != "" {
			m.log.Debug("republish rejected",
				zap.String("requester", requester),
				zap.String("error", pubAck.Error))
		}
	}()
}

// nonMasterNodes lists the recipients of a publish: every node the
// snapshot names except the master itself.
func nonMasterNodes(st state.ClusterState) []state.Node {
	out := make([]state.Node, 0, len(st.Nodes))
	for _, n := range st.Nodes {
		if n.ID == st.MasterNodeID {
			continue
		}
		out = append(out, n)
	}
	return out
}
