package discovery

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cgvarela/eskka/internal/observability"
)

// ackRecorder counts outcomes per node.
type ackRecorder struct {
	mu       sync.Mutex
	outcomes map[string][]error
}

func newAckRecorder() *ackRecorder {
	return &ackRecorder{outcomes: make(map[string][]error)}
}

func (r *ackRecorder) listener() AckListener {
	return func(nodeID string, err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.outcomes[nodeID] = append(r.outcomes[nodeID], err)
	}
}

func (r *ackRecorder) count(nodeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outcomes[nodeID])
}

func (r *ackRecorder) errOf(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outcomes[nodeID]) == 0 {
		return nil
	}
	return r.outcomes[nodeID][0]
}

func TestPublishHandlerOneOutcomePerRecipient(t *testing.T) {
	rec := newAckRecorder()
	metrics := observability.NewMetrics()
	h := newPublishHandler([]string{"a", "b"}, rec.listener(), time.Second, metrics, zap.NewNop())

	boom := errors.New("boom")
	h.onAck("a", nil)
	h.onAck("a", nil)       // duplicate, ignored
	h.onAck("c", boom)      // unexpected, ignored
	h.onAck("b", boom)

	if !h.isDone() {
		t.Fatal("handler should be done after full coverage")
	}
	if got := rec.count("a"); got != 1 {
		t.Errorf("node a observed %d outcomes, want 1", got)
	}
	if got := rec.count("b"); got != 1 {
		t.Errorf("node b observed %d outcomes, want 1", got)
	}
	if got := rec.count("c"); got != 0 {
		t.Errorf("unexpected node c observed %d outcomes, want 0", got)
	}
	if err := rec.errOf("b"); !errors.Is(err, boom) {
		t.Errorf("node b error = %v, want %v", err, boom)
	}
}

func TestPublishHandlerTimeoutFailsPending(t *testing.T) {
	rec := newAckRecorder()
	metrics := observability.NewMetrics()
	h := newPublishHandler([]string{"a", "b"}, rec.listener(), 50*time.Millisecond, metrics, zap.NewNop())

	h.onAck("a", nil)

	if !waitFor(time.Second, h.isDone) {
		t.Fatal("handler did not finish after timeout")
	}
	if err := rec.errOf("a"); err != nil {
		t.Errorf("node a error = %v, want nil", err)
	}
	if err := rec.errOf("b"); !errors.Is(err, ErrPublishTimeout) {
		t.Errorf("node b error = %v, want ErrPublishTimeout", err)
	}

	// Late acks after the deadline change nothing.
	h.onAck("b", nil)
	if got := rec.count("b"); got != 1 {
		t.Errorf("node b observed %d outcomes, want 1", got)
	}
}

func TestPublishHandlerNoRecipients(t *testing.T) {
	rec := newAckRecorder()
	metrics := observability.NewMetrics()
	h := newPublishHandler(nil, rec.listener(), time.Second, metrics, zap.NewNop())
	if !h.isDone() {
		t.Fatal("handler with no recipients should complete immediately")
	}
}
