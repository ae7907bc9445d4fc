// Package state — store.go
//
// Single-writer prioritized update queue over immutable snapshots.
//
// Architecture:
//
//	[Submit callers]
//	      ↓  (two bounded lanes: urgent, normal)
//	[store goroutine — applies transforms serially]
//	      ↓
//	[transition listeners]
//
// Contract:
//   - Transforms execute one at a time and observe the latest accepted
//     snapshot; there is no other writer.
//   - Urgent updates are drained before normal ones; within a lane the
//     order is FIFO.
//   - An accepted snapshot must carry a strictly larger version than
//     the one it replaces; anything else is rejected as stale. This is
//     what makes replayed or out-of-order publishes idempotent.
//   - Listeners run on the store goroutine; they must not block.

package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Priority selects the queue lane for an update.
type Priority uint8

const (
	// Urgent updates preempt the normal lane. All discovery updates use
	// this class.
	Urgent Priority = iota
	Normal
)

// Transform builds the successor of the current snapshot.
type Transform func(current ClusterState) (ClusterState, error)

var (
	// ErrStaleVersion rejects a transform whose result does not advance
	// the snapshot version.
	ErrStaleVersion = errors.New("state: stale version")

	// ErrClosed rejects submissions after Close.
	ErrClosed = errors.New("state: store closed")
)

const laneDepth = 64

type update struct {
	source    string
	transform Transform
	done      chan result
}

type result struct {
	tr  Transition
	err error
}

// Store owns the authoritative snapshot and its update queue.
type Store struct {
	log *zap.Logger

	urgent chan update
	normal chan update

	mu        sync.Mutex
	current   ClusterState
	listeners []func(Transition)
	closed    bool

	stopc    chan struct{}
	doneC    chan struct{}
	stopOnce sync.Once
}

// NewStore creates a store seeded with initial and starts its worker.
func NewStore(initial ClusterState, log *zap.Logger) *Store {
	s := &Store{
		log:     log,
		urgent:  make(chan update, laneDepth),
		normal:  make(chan update, laneDepth),
		current: initial,
		stopc:   make(chan struct{}),
		doneC:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Current returns the latest accepted snapshot.
func (s *Store) Current() ClusterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// OnTransition registers a listener for every accepted transition.
// Register before submitting; listeners are never removed.
func (s *Store) OnTransition(fn func(Transition)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Submit enqueues a transform and waits for its outcome, bounded by
// ctx.
func (s *Store) Submit(ctx context.Context, source string, pri Priority, fn Transform) (Transition, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Transition{}, ErrClosed
	}
	s.mu.Unlock()

	u := update{source: source, transform: fn, done: make(chan result, 1)}
	lane := s.normal
	if pri == Urgent {
		lane = s.urgent
	}

	select {
	case lane <- u:
	case <-ctx.Done():
		return Transition{}, ctx.Err()
	case <-s.stopc:
		return Transition{}, ErrClosed
	}

	select {
	case r := <-u.done:
		return r.tr, r.err
	case <-ctx.Done():
		return Transition{}, ctx.Err()
	case <-s.doneC:
		return Transition{}, ErrClosed
	}
}

// Close stops the worker. Pending updates fail with ErrClosed.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopc) })
	<-s.doneC
}

func (s *Store) run() {
	defer close(s.doneC)
	for {
		// Drain the urgent lane first.
		select {
		case u := <-s.urgent:
			s.apply(u)
			continue
		default:
		}
		select {
		case u := <-s.urgent:
			s.apply(u)
		case u := <-s.normal:
			s.apply(u)
		case <-s.stopc:
			return
		}
	}
}

func (s *Store) apply(u update) {
	old := s.Current()

	next, err := u.transform(old)
	if err != nil {
		u.done <- result{err: fmt.Errorf("state: %s: %w", u.source, err)}
		return
	}
	if next.Version <= old.Version {
		u.done <- result{err: fmt.Errorf("%w: %s: %d <= %d",
			ErrStaleVersion, u.source, next.Version, old.Version)}
		return
	}

	s.mu.Lock()
	s.current = next
	listeners := s.listeners
	s.mu.Unlock()

	tr := Transition{Source: u.source, Old: old, New: next}
	s.log.Debug("state applied",
		zap.String("source", u.source),
		zap.Int64("version", next.Version))
	for _, fn := range listeners {
		fn(tr)
	}
	u.done <- result{tr: tr}
}
