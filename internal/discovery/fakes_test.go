package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/cgvarela/eskka/internal/cluster"
	"github.com/cgvarela/eskka/internal/storage"
	"github.com/cgvarela/eskka/internal/transport"
)

// fakeMembership is an in-memory Membership for driving the core
// without a network.
type fakeMembership struct {
	mu      sync.Mutex
	self    cluster.Member
	members map[string]cluster.Member
	subs    []chan cluster.Event
	downed  []string
	probes  map[string]error // addr → probe outcome
}

func newFakeMembership(self cluster.Member, members ...cluster.Member) *fakeMembership {
	f := &fakeMembership{
		self:    self,
		members: make(map[string]cluster.Member),
		probes:  make(map[string]error),
	}
	f.members[self.Addr] = self
	for _, m := range members {
		f.members[m.Addr] = m
	}
	return f
}

func (f *fakeMembership) Self() cluster.Member { return f.self }

func (f *fakeMembership) SelfAddress() string { return f.self.Addr }

func (f *fakeMembership) Members() []cluster.Member {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]cluster.Member, 0, len(f.members))
	for _, m := range f.members {
		out = append(out, m)
	}
	return out
}

func (f *fakeMembership) Subscribe(buf int) <-chan cluster.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if buf < len(f.members)+16 {
		buf = len(f.members) + 16
	}
	ch := make(chan cluster.Event, buf)
	for _, m := range f.members {
		if m.Status == cluster.StatusUp {
			ch <- cluster.Event{Type: cluster.EventMemberUp, Member: m}
		}
	}
	f.subs = append(f.subs, ch)
	return ch
}

func (f *fakeMembership) Lookup(addr string) (cluster.Member, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[addr]
	return m, ok
}

func (f *fakeMembership) Down(addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downed = append(f.downed, addr)
	if m, ok := f.members[addr]; ok {
		m.Status = cluster.StatusDown
		f.members[addr] = m
	}
	return nil
}

func (f *fakeMembership) Probe(m cluster.Member, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes[m.Addr]
}

// setStatus updates a member's status without emitting an event.
func (f *fakeMembership) setStatus(addr string, st cluster.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.members[addr]; ok {
		m.Status = st
		f.members[addr] = m
	}
}

// emit fans an event out to every subscriber.
func (f *fakeMembership) emit(ev cluster.Event) {
	f.mu.Lock()
	subs := append([]chan cluster.Event(nil), f.subs...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- ev
	}
}

func (f *fakeMembership) downedAddrs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.downed...)
}

// fakeSender is an in-memory Sender.
type fakeSender struct {
	mu sync.Mutex

	publishFn func(addr string, req transport.PublishRequest) (transport.PublishAck, error)
	pingFn    func(addr string, req transport.PingRequest) (transport.PingVote, error)

	publishes  []string // addresses published to
	republish  []string // master addresses asked to republish
	pings      []string // addresses asked to vote
	identifyOK bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{identifyOK: true}
}

func (s *fakeSender) Publish(_ context.Context, addr string, req transport.PublishRequest) (transport.PublishAck, error) {
	s.mu.Lock()
	s.publishes = append(s.publishes, addr)
	fn := s.publishFn
	s.mu.Unlock()
	if fn != nil {
		return fn(addr, req)
	}
	return transport.PublishAck{Node: addr}, nil
}

func (s *fakeSender) RequestRepublish(_ context.Context, addr string, _ transport.RepublishRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.republish = append(s.republish, addr)
	return nil
}

func (s *fakeSender) PingVote(_ context.Context, addr string, req transport.PingRequest) (transport.PingVote, error) {
	s.mu.Lock()
	s.pings = append(s.pings, addr)
	fn := s.pingFn
	s.mu.Unlock()
	if fn != nil {
		return fn(addr, req)
	}
	return transport.PingVote{ReqID: req.ReqID, Voter: addr, TimedOut: false}, nil
}

func (s *fakeSender) Identify(_ context.Context, addr string) (transport.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.identifyOK {
		return transport.Identity{}, context.DeadlineExceeded
	}
	return transport.Identity{Node: "node@" + addr, Addr: addr}, nil
}

func (s *fakeSender) republishCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.republish...)
}

func (s *fakeSender) publishCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.publishes...)
}

func (s *fakeSender) pingCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pings...)
}

// fakeJournal records appended entries.
type fakeJournal struct {
	mu       sync.Mutex
	downings []storage.DowningRecord
	restarts []storage.RestartRecord
}

func (j *fakeJournal) AppendDowning(rec storage.DowningRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.downings = append(j.downings, rec)
	return nil
}

func (j *fakeJournal) AppendRestart(rec storage.RestartRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.restarts = append(j.restarts, rec)
	return nil
}

func (j *fakeJournal) downingCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.downings)
}

// upMember builds an UP member for tests.
func upMember(addr, id string, masterEligible, voter bool, started int64) cluster.Member {
	return cluster.Member{
		Name:           id,
		Addr:           addr,
		NodeID:         id,
		TransportAddr:  "x-" + addr,
		MasterEligible: masterEligible,
		Voter:          voter,
		StartedAt:      started,
		Status:         cluster.StatusUp,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
