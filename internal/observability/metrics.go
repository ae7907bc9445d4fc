// Package observability — metrics.go
//
// Prometheus metrics for the eskka daemon.
//
// Endpoint: GET /metrics on 127.0.0.1:9402 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
//
// Metric naming convention: eskka_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Outcome labels are closed sets (ok/error/timeout,
//     ok/stale/quorum_unavailable/error, true/false).
//   - Member addresses are NOT used as labels (unbounded across
//     restarts); per-member detail goes to the log and the journal.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for eskka.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Cluster membership ──────────────────────────────────────────────────

	// ClusterMembers is the current number of members in the local view.
	ClusterMembers prometheus.Gauge

	// ClusterFailedPeers is the current number of members the local
	// failure detector reports unreachable.
	ClusterFailedPeers prometheus.Gauge

	// EventsDroppedTotal counts membership events dropped on full
	// subscriber mailboxes.
	EventsDroppedTotal prometheus.Counter

	// ─── Quorum ──────────────────────────────────────────────────────────────

	// QuorumAvailable is 1 when a quorum of seed voters is up.
	QuorumAvailable prometheus.Gauge

	// QuorumChecksTotal counts periodic quorum evaluations.
	QuorumChecksTotal prometheus.Counter

	// ─── Publishing ──────────────────────────────────────────────────────────

	// PublishTotal counts publish rounds initiated by the local master.
	// Labels: outcome (ok, error)
	PublishTotal *prometheus.CounterVec

	// PublishAcksTotal counts per-recipient publish outcomes.
	// Labels: outcome (ok, error, timeout)
	PublishAcksTotal *prometheus.CounterVec

	// PublishDuration records publish round duration.
	PublishDuration prometheus.Histogram

	// FollowerAppliesTotal counts publishes applied by the local
	// follower. Labels: outcome (ok, stale, quorum_unavailable, error)
	FollowerAppliesTotal *prometheus.CounterVec

	// ─── Partition resolution ────────────────────────────────────────────────

	// PartitionEvaluationsTotal counts quorum-ping evaluation rounds.
	PartitionEvaluationsTotal prometheus.Counter

	// DowningDecisionsTotal counts members downed by the local monitor.
	DowningDecisionsTotal prometheus.Counter

	// PingVotesTotal counts ping votes answered by the local pinger.
	// Labels: timed_out (true, false)
	PingVotesTotal *prometheus.CounterVec

	// ─── Lifecycle ───────────────────────────────────────────────────────────

	// RestartsTotal counts abdication restarts.
	RestartsTotal prometheus.Counter

	// UptimeSeconds is the number of seconds since daemon start.
	UptimeSeconds prometheus.Gauge

	// startTime records when the daemon started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all eskka Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		ClusterMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eskka",
			Subsystem: "cluster",
			Name:      "members",
			Help:      "Current number of members in the local membership view.",
		}),

		ClusterFailedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eskka",
			Subsystem: "cluster",
			Name:      "failed_peers",
			Help:      "Current number of members the local failure detector reports unreachable.",
		}),

		EventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eskka",
			Subsystem: "cluster",
			Name:      "events_dropped_total",
			Help:      "Membership events dropped on full subscriber mailboxes.",
		}),

		QuorumAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eskka",
			Subsystem: "quorum",
			Name:      "available",
			Help:      "1 when a quorum of seed voters is up, 0 otherwise.",
		}),

		QuorumChecksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eskka",
			Subsystem: "quorum",
			Name:      "checks_total",
			Help:      "Periodic quorum evaluations performed by the follower.",
		}),

		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eskka",
			Subsystem: "publish",
			Name:      "rounds_total",
			Help:      "Publish rounds initiated by the local master, by outcome.",
		}, []string{"outcome"}),

		PublishAcksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eskka",
			Subsystem: "publish",
			Name:      "acks_total",
			Help:      "Per-recipient publish outcomes observed by the local master.",
		}, []string{"outcome"}),

		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "eskka",
			Subsystem: "publish",
			Name:      "duration_seconds",
			Help:      "Duration of publish rounds.",
			Buckets:   prometheus.DefBuckets,
		}),

		FollowerAppliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eskka",
			Subsystem: "follower",
			Name:      "applies_total",
			Help:      "Publishes applied by the local follower, by outcome.",
		}, []string{"outcome"}),

		PartitionEvaluationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eskka",
			Subsystem: "partition",
			Name:      "evaluations_total",
			Help:      "Quorum-ping evaluation rounds run by the local monitor.",
		}),

		DowningDecisionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eskka",
			Subsystem: "partition",
			Name:      "downing_decisions_total",
			Help:      "Members downed by the local monitor.",
		}),

		PingVotesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eskka",
			Subsystem: "partition",
			Name:      "ping_votes_total",
			Help:      "Ping votes answered by the local pinger, by result.",
		}, []string{"timed_out"}),

		RestartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eskka",
			Subsystem: "lifecycle",
			Name:      "restarts_total",
			Help:      "Abdication restarts performed.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eskka",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.ClusterMembers,
		m.ClusterFailedPeers,
		m.EventsDroppedTotal,
		m.QuorumAvailable,
		m.QuorumChecksTotal,
		m.PublishTotal,
		m.PublishAcksTotal,
		m.PublishDuration,
		m.FollowerAppliesTotal,
		m.PartitionEvaluationsTotal,
		m.DowningDecisionsTotal,
		m.PingVotesTotal,
		m.RestartsTotal,
		m.UptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the UptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
