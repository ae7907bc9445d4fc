package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func bump(source string) Transform {
	return func(cur ClusterState) (ClusterState, error) {
		next := cur
		next.Version = cur.Version + 1
		next.MasterNodeID = source
		return next, nil
	}
}

func TestStoreAppliesSerially(t *testing.T) {
	s := NewStore(Empty(), zap.NewNop())
	defer s.Close()

	for i := 1; i <= 5; i++ {
		tr, err := s.Submit(context.Background(), "test", Urgent, bump("m"))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if tr.New.Version != int64(i) {
			t.Fatalf("version after %d submits = %d", i, tr.New.Version)
		}
	}
}

func TestStoreRejectsStaleVersions(t *testing.T) {
	s := NewStore(Empty(), zap.NewNop())
	defer s.Close()

	if _, err := s.Submit(context.Background(), "test", Urgent,
		func(ClusterState) (ClusterState, error) {
			return ClusterState{Version: 5}, nil
		}); err != nil {
		t.Fatalf("v5: %v", err)
	}

	_, err := s.Submit(context.Background(), "test", Urgent,
		func(ClusterState) (ClusterState, error) {
			return ClusterState{Version: 3}, nil
		})
	if !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("stale submit error = %v, want ErrStaleVersion", err)
	}
	if got := s.Current().Version; got != 5 {
		t.Fatalf("current version = %d, want 5", got)
	}

	// Equal versions are stale too.
	_, err = s.Submit(context.Background(), "test", Urgent,
		func(ClusterState) (ClusterState, error) {
			return ClusterState{Version: 5}, nil
		})
	if !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("equal-version submit error = %v, want ErrStaleVersion", err)
	}
}

func TestStoreTransformError(t *testing.T) {
	s := NewStore(Empty(), zap.NewNop())
	defer s.Close()

	boom := errors.New("boom")
	_, err := s.Submit(context.Background(), "test", Urgent,
		func(ClusterState) (ClusterState, error) { return ClusterState{}, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	if got := s.Current().Version; got != 0 {
		t.Fatalf("failed transform changed state: version %d", got)
	}
}

func TestStoreUrgentLaneDrainsFirst(t *testing.T) {
	s := NewStore(Empty(), zap.NewNop())
	defer s.Close()

	var mu sync.Mutex
	var order []string
	s.OnTransition(func(tr Transition) {
		mu.Lock()
		order = append(order, tr.Source)
		mu.Unlock()
	})

	// Occupy the worker so the lanes fill while it is busy.
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Submit(context.Background(), "blocker", Urgent,
			func(cur ClusterState) (ClusterState, error) {
				<-release
				next := cur
				next.Version++
				return next, nil
			})
	}()
	time.Sleep(50 * time.Millisecond) // worker is now inside the blocker

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = s.Submit(context.Background(), "normal", Normal, bump("n"))
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		defer wg.Done()
		_, _ = s.Submit(context.Background(), "urgent", Urgent, bump("u"))
	}()
	time.Sleep(20 * time.Millisecond)

	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"blocker", "urgent", "normal"}
	if len(order) != len(want) {
		t.Fatalf("saw %d transitions, want %d: %v", len(order), len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("application order %v, want %v", order, want)
		}
	}
}

func TestStoreListenersSeeEveryTransition(t *testing.T) {
	s := NewStore(Empty(), zap.NewNop())
	defer s.Close()

	var mu sync.Mutex
	var versions []int64
	s.OnTransition(func(tr Transition) {
		mu.Lock()
		versions = append(versions, tr.New.Version)
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		if _, err := s.Submit(context.Background(), "test", Urgent, bump("m")); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(versions) != 3 || versions[0] != 1 || versions[2] != 3 {
		t.Fatalf("listener saw %v", versions)
	}
}

func TestStoreClosedRejectsSubmit(t *testing.T) {
	s := NewStore(Empty(), zap.NewNop())
	s.Close()

	_, err := s.Submit(context.Background(), "test", Urgent, bump("m"))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("submit after close = %v, want ErrClosed", err)
	}
}
