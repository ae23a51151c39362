package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/storyrelay/backend/internal/domain"
)

var (
	LeaseRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyrelay_lease_requests_total",
		Help: "Write lease acquire attempts by outcome.",
	}, []string{"outcome"})

	TurnSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyrelay_turn_submissions_total",
		Help: "Turn submissions by outcome.",
	}, []string{"outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storyrelay_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	ActiveLeases = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storyrelay_active_leases",
		Help: "Stories currently held by a live write lease.",
	})

	EventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storyrelay_event_subscribers",
		Help: "Open websocket subscriptions to story events.",
	})
)

// Outcome labels.
const (
	OutcomeGranted    = "granted"
	OutcomeDenied     = "denied"
	OutcomeAccepted   = "accepted"
	OutcomeMismatch   = "mismatch"
	OutcomeValidation = "validation"
	OutcomeCompleted  = "completed"
	OutcomeNotFound   = "not_found"
	OutcomeError      = "error"
)

// ObserveAcquire counts one acquire attempt.
func ObserveAcquire(err error) {
	LeaseRequestsTotal.WithLabelValues(classify(err, OutcomeGranted)).Inc()
}

// ObserveSubmit counts one turn submission.
func ObserveSubmit(err error) {
	TurnSubmissionsTotal.WithLabelValues(classify(err, OutcomeAccepted)).Inc()
}

func classify(err error, success string) string {
	switch {
	case err == nil:
		return success
	case errors.Is(err, domain.ErrLockDenied):
		return OutcomeDenied
	case errors.Is(err, domain.ErrLockMismatch):
		return OutcomeMismatch
	case errors.Is(err, domain.ErrValidation):
		return OutcomeValidation
	case errors.Is(err, domain.ErrStoryCompleted):
		return OutcomeCompleted
	case errors.Is(err, domain.ErrStoryNotFound):
		return OutcomeNotFound
	default:
		return OutcomeError
	}
}

// LeaseCounter reports how many stories hold a live lease.
type LeaseCounter interface {
	CountActiveLeases(ctx context.Context) (int, error)
}

// StartLeaseSampler refreshes the ActiveLeases gauge every interval until
// ctx is cancelled. It only reads; expired leases are still reclaimed by the
// next acquire.
func StartLeaseSampler(ctx context.Context, counter LeaseCounter, interval time.Duration, logger *zap.Logger) {
	sample := func() {
		n, err := counter.CountActiveLeases(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("Failed to sample active leases", zap.Error(err))
			}
			return
		}
		ActiveLeases.Set(float64(n))
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sample()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sample()
			}
		}
	}()
}
