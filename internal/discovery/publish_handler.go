// Package discovery — publish_handler.go
//
// Ephemeral collector for one publish round.
//
// State machine:
//
//	PENDING ──(all acks in)──→ DONE
//	PENDING ──(deadline)─────→ DONE  (remaining recipients fail with timeout)
//
// Every expected recipient produces exactly one outcome on the host's
// ack listener. Acks arriving after DONE, duplicates, and acks from
// unexpected nodes are ignored.

package discovery

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cgvarela/eskka/internal/observability"
)

type publishHandler struct {
	mu      sync.Mutex
	pending map[string]struct{}
	ack     AckListener
	timer   *time.Timer
	done    bool
	started time.Time
	metrics *observability.Metrics
	log     *zap.Logger
}

func newPublishHandler(
	expected []string,
	ack AckListener,
	timeout time.Duration,
	metrics *observability.Metrics,
	log *zap.Logger,
) *publishHandler {
	h := &publishHandler{
		pending: make(map[string]struct{}, len(expected)),
		ack:     ack,
		started: time.Now(),
		metrics: metrics,
		log:     log,
	}
	for _, id := range expected {
		h.pending[id] = struct{}{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pending) == 0 {
		h.finishLocked()
		return h
	}
	h.timer = time.AfterFunc(timeout, h.onTimeout)
	return h
}

// onAck records one recipient outcome.
func (h *publishHandler) onAck(nodeID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.done {
		return
	}
	if _, ok := h.pending[nodeID]; !ok {
		return
	}
	delete(h.pending, nodeID)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	h.metrics.PublishAcksTotal.WithLabelValues(outcome).Inc()
	h.ack(nodeID, err)

	if len(h.pending) == 0 {
		h.finishLocked()
	}
}

// onTimeout fails every recipient still pending.
func (h *publishHandler) onTimeout() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.done {
		return
	}
	for nodeID := range h.pending {
		h.metrics.PublishAcksTotal.WithLabelValues("timeout").Inc()
		h.ack(nodeID, ErrPublishTimeout)
	}
	h.pending = nil
	h.log.Warn("publish round timed out")
	h.finishLocked()
}

func (h *publishHandler) finishLocked() {
	h.done = true
	if h.timer != nil {
		h.timer.Stop()
	}
	h.metrics.PublishDuration.Observe(time.Since(h.started).Seconds())
}

// isDone reports whether the round has completed. Test hook.
func (h *publishHandler) isDone() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}
