// Package discovery implements the eskka cluster formation core: the
// quorum-gated follower, the publishing master, the quorum-ping
// partition monitor, and the abdicator that restarts the node under
// sustained quorum loss.
//
// Concurrency model: every component is a mailbox-owning goroutine.
// Component state is only touched by its own loop; coordination across
// components is by message or by the substrate's read-only snapshot
// API. Blocking work (state submits, RPCs, probes) runs on helper
// goroutines that feed results back into the mailbox.

package discovery

import (
	"context"
	"errors"
	"time"

	"github.com/cgvarela/eskka/internal/cluster"
	"github.com/cgvarela/eskka/internal/storage"
	"github.com/cgvarela/eskka/internal/transport"
)

var (
	// ErrQuorumUnavailable rejects a publish while the local view lacks
	// a quorum of seed voters.
	ErrQuorumUnavailable = errors.New("discovery: quorum unavailable")

	// ErrNotStarted rejects operations before Start has completed.
	ErrNotStarted = errors.New("discovery: node not started")

	// ErrNotMaster rejects a publish on a node that is not the current
	// leader.
	ErrNotMaster = errors.New("discovery: node is not the master")

	// ErrPublishTimeout is reported to the ack listener for recipients
	// that did not answer within the publish deadline.
	ErrPublishTimeout = errors.New("discovery: publish timed out")

	// ErrStartupTimeout reports that the node failed to join the
	// cluster within the startup window.
	ErrStartupTimeout = errors.New("discovery: startup timed out")

	// ErrStopped rejects operations on a stopped component.
	ErrStopped = errors.New("discovery: stopped")
)

// Membership is the read/control surface of the gossip substrate the
// core runs against. *cluster.Cluster implements it; tests substitute
// an in-memory fake.
type Membership interface {
	// Self returns the local member projection.
	Self() cluster.Member

	// SelfAddress returns the local canonical gossip address.
	SelfAddress() string

	// Members returns the current membership snapshot.
	Members() []cluster.Member

	// Subscribe returns a membership event stream; the current view is
	// replayed as MemberUp events before any live event.
	Subscribe(buf int) <-chan cluster.Event

	// Lookup finds a member by canonical gossip address.
	Lookup(addr string) (cluster.Member, bool)

	// Down forcibly evicts a member. Absorbing.
	Down(addr string) error

	// Probe checks direct reachability of a member within timeout.
	Probe(m cluster.Member, timeout time.Duration) error
}

// Sender is the client surface of the discovery transport.
// *transport.Client implements it; tests substitute an in-memory fake.
type Sender interface {
	Publish(ctx context.Context, addr string, req transport.PublishRequest) (transport.PublishAck, error)
	RequestRepublish(ctx context.Context, addr string, req transport.RepublishRequest) error
	PingVote(ctx context.Context, addr string, req transport.PingRequest) (transport.PingVote, error)
	Identify(ctx context.Context, addr string) (transport.Identity, error)
}

// Journal records operational decisions. *storage.Journal implements
// it; a nil-safe no-op is used when the journal is disabled.
type Journal interface {
	AppendDowning(rec storage.DowningRecord) error
	AppendRestart(rec storage.RestartRecord) error
}

// AckListener observes exactly one outcome per non-master recipient of
// a publish: err is nil on success, the recipient's failure otherwise.
type AckListener func(nodeID string, err error)

// nopJournal discards records.
type nopJournal struct{}

func (nopJournal) AppendDowning(storage.DowningRecord) error { return nil }
func (nopJournal) AppendRestart(storage.RestartRecord) error { return nil }
