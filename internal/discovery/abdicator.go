// Package discovery — abdicator.go
//
// The abdicator watches the quorum signal and, when quorum loss
// persists for the observation window, tears the node down through the
// host-supplied restart hook. A full restart (fresh NodeId, fresh
// gossip identity, fresh state) is the only supported recovery from
// sustained quorum loss.
//
// A restart takes a token from the abdicator's token bucket and then
// waits a jittered delay in [2s, 10s), so the surviving seeds are not
// hammered in lockstep. The bucket belongs to one Abdicator, which
// restarts at most once, and a rebuilt node gets a fresh Abdicator with
// a full bucket: the bucket does not limit restarts across rebuilds;
// the jittered delay is what spaces successive restarts.

package discovery

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cgvarela/eskka/internal/observability"
	"github.com/cgvarela/eskka/internal/storage"
)

const (
	// defaultObservationWindow is how long quorum loss must persist
	// before abdication.
	defaultObservationWindow = 2 * quorumCheckInterval

	restartDelayMin = 2 * time.Second
	restartDelayMax = 10 * time.Second

	restartBudgetCapacity = 5
	restartBudgetRefill   = 10 * time.Minute
)

// Abdicator reacts to sustained quorum loss by restarting the node.
type Abdicator struct {
	selfID     string
	voting     VotingMembers
	membership Membership
	window     time.Duration
	hook       func(reason string)
	journal    Journal
	throttle   *restartThrottle
	metrics    *observability.Metrics
	log        *zap.Logger

	delayMin time.Duration
	delayMax time.Duration

	stopOnce sync.Once
	stopc    chan struct{}
	donec    chan struct{}
}

// NewAbdicator creates the watcher. hook is invoked at most once, from
// the watcher goroutine, after which the watcher exits. window <= 0
// takes the default.
func NewAbdicator(
	selfID string,
	voting VotingMembers,
	membership Membership,
	window time.Duration,
	hook func(reason string),
	journal Journal,
	metrics *observability.Metrics,
	log *zap.Logger,
) *Abdicator {
	if window <= 0 {
		window = defaultObservationWindow
	}
	if journal == nil {
		journal = nopJournal{}
	}
	return &Abdicator{
		selfID:     selfID,
		voting:     voting,
		membership: membership,
		window:     window,
		hook:       hook,
		journal:    journal,
		throttle:   newRestartThrottle(restartBudgetCapacity, restartBudgetRefill),
		metrics:    metrics,
		log:        log,
		delayMin:   restartDelayMin,
		delayMax:   restartDelayMax,
		stopc:      make(chan struct{}),
		donec:      make(chan struct{}),
	}
}

// Run watches the membership stream until abdication, ctx
// cancellation, or Stop.
func (a *Abdicator) Run(ctx context.Context) {
	defer close(a.donec)
	defer a.throttle.Close()

	events := a.membership.Subscribe(128)

	quorum := true
	lossTimer := time.NewTimer(time.Hour)
	if !lossTimer.Stop() {
		<-lossTimer.C
	}
	defer lossTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopc:
			return
		case <-events:
			cur := a.voting.QuorumAvailable(a.membership.Members())
			if cur == quorum {
				continue
			}
			if !cur {
				a.log.Info("quorum lost, observation window started",
					zap.Duration("window", a.window))
				lossTimer.Reset(a.window)
			} else {
				a.log.Info("quorum restored within observation window")
				if !lossTimer.Stop() {
					select {
					case <-lossTimer.C:
					default:
					}
				}
			}
			quorum = cur
		case <-lossTimer.C:
			if a.voting.QuorumAvailable(a.membership.Members()) {
				quorum = true
				continue
			}
			a.abdicate()
			return
		}
	}
}

// Stop terminates the watcher without abdicating.
func (a *Abdicator) Stop() {
	a.stopOnce.Do(func() { close(a.stopc) })
	<-a.donec
}

// abdicate records the restart, waits out the throttle and jitter, and
// invokes the hook.
func (a *Abdicator) abdicate() {
	const reason = "sustained quorum loss"
	a.log.Warn("abdicating", zap.String("reason", reason))

	a.metrics.RestartsTotal.Inc()
	if err := a.journal.AppendRestart(storage.RestartRecord{
		Reason: reason,
		NodeID: a.selfID,
	}); err != nil {
		a.log.Warn("restart record not journaled", zap.Error(err))
	}

	if !a.throttle.acquire(a.stopc) {
		return // stopped while waiting for restart budget
	}
	delay := a.delayMin +
		time.Duration(rand.Int63n(int64(a.delayMax-a.delayMin)))
	a.log.Info("restart scheduled", zap.Duration("delay", delay))
	select {
	case <-time.After(delay):
	case <-a.stopc:
		return
	}
	a.hook(reason)
}

// restartThrottle is a token bucket bounding the restart rate. The
// bucket refills to capacity on a fixed period; acquire blocks until a
// token is available.
type restartThrottle struct {
	mu       sync.Mutex
	capacity int
	tokens   int
	stop     chan struct{}
	stopOnce sync.Once
}

func newRestartThrottle(capacity int, refillPeriod time.Duration) *restartThrottle {
	t := &restartThrottle{
		capacity: capacity,
		tokens:   capacity,
		stop:     make(chan struct{}),
	}
	go t.refillLoop(refillPeriod)
	return t
}

func (t *restartThrottle) refillLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			t.tokens = t.capacity
			t.mu.Unlock()
		case <-t.stop:
			return
		}
	}
}

// acquire blocks until a token is available or stopc closes. Returns
// false when stopped.
func (t *restartThrottle) acquire(stopc <-chan struct{}) bool {
	for {
		t.mu.Lock()
		if t.tokens > 0 {
			t.tokens--
			t.mu.Unlock()
			return true
		}
		t.mu.Unlock()

		select {
		case <-time.After(time.Second):
		case <-stopc:
			return false
		case <-t.stop:
			return false
		}
	}
}

// Close stops the refill goroutine.
func (t *restartThrottle) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
}
