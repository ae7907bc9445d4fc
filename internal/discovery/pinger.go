// Package discovery — pinger.go
//
// The ping responder running on every node. On a ping request it runs
// its own reachability probe against the target and always answers:
// timed_out=false when the probe succeeded, timed_out=true when it did
// not. A target in the local view is probed through the failure
// detector, where any probe error counts as a timeout. A target outside
// the view is dialled over TCP, and there the distinction between
// "probe failed fast" and "probe timer expired" matters: a refused or
// otherwise fast-failing dial means the network path answered and
// reports false.

package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cgvarela/eskka/internal/observability"
	"github.com/cgvarela/eskka/internal/transport"
)

const defaultPingTimeout = 2 * time.Second

// Pinger answers distributed reachability probes.
type Pinger struct {
	membership Membership
	metrics    *observability.Metrics
	log        *zap.Logger
}

// NewPinger creates the responder.
func NewPinger(membership Membership, metrics *observability.Metrics, log *zap.Logger) *Pinger {
	return &Pinger{membership: membership, metrics: metrics, log: log}
}

// Handle runs the probe and answers. It never stays silent: every
// request gets exactly one vote.
func (p *Pinger) Handle(ctx context.Context, req transport.PingRequest) transport.PingVote {
	timeout := time.Duration(req.TimeoutMillis) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}

	timedOut := p.probe(req.Target, timeout)

	p.metrics.PingVotesTotal.WithLabelValues(strconv.FormatBool(timedOut)).Inc()
	p.log.Debug("ping vote",
		zap.String("req_id", req.ReqID),
		zap.String("target", req.Target),
		zap.Bool("timed_out", timedOut))

	return transport.PingVote{
		ReqID:    req.ReqID,
		Voter:    p.membership.SelfAddress(),
		TimedOut: timedOut,
	}
}

// probe checks the target and reports whether the probe timer expired.
// A member in the local view is probed through the failure detector;
// a target that has already dropped out of the view is dialled on its
// gossip address, which memberlist listens on over TCP as well.
func (p *Pinger) probe(target string, timeout time.Duration) bool {
	if m, ok := p.membership.Lookup(target); ok {
		// The detector's probe is UDP; every failure mode is a missing
		// ack within the window, so any error is a timeout.
		return p.membership.Probe(m, timeout) != nil
	}

	conn, err := net.DialTimeout("tcp", target, timeout)
	if err == nil {
		_ = conn.Close()
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	// Refused or unroutable with an answer: the path spoke, the node
	// did not. That is not a timeout.
	return false
}
