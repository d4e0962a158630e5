// Package persister writes enriched killmails to durable storage with
// bounded retries on transient failures.
package persister

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riftwatch/killwatch/internal/alert"
	"github.com/riftwatch/killwatch/internal/domain/model"
	"github.com/riftwatch/killwatch/internal/metrics"
	"github.com/riftwatch/killwatch/internal/retry"
	"github.com/riftwatch/killwatch/internal/store"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultBackoff    = 200 * time.Millisecond
)

// Persister retries transient storage failures with linear backoff and
// gives up on terminal ones immediately.
type Persister struct {
	repo       store.KillmailRepository
	alerter    *alert.Alerter
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

type Option func(*Persister)

// WithTimeout bounds the whole persist call including retries.
func WithTimeout(d time.Duration) Option {
	return func(p *Persister) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithRetries sets the retry budget and the per-attempt backoff step.
func WithRetries(max int, backoff time.Duration) Option {
	return func(p *Persister) {
		if max > 0 {
			p.maxRetries = max
		}
		if backoff > 0 {
			p.backoff = backoff
		}
	}
}

func New(repo store.KillmailRepository, alerter *alert.Alerter, logger *slog.Logger, opts ...Option) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Persister{
		repo:       repo,
		alerter:    alerter,
		timeout:    defaultTimeout,
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
		logger:     logger.With("component", "persister"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Persist upserts km, retrying transient failures up to the configured
// budget. On success km.Persisted is set; a re-persisted duplicate counts
// as success without a second row. Exhaustion raises an alert and returns
// the last error.
func (p *Persister) Persist(ctx context.Context, km *model.Killmail) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		created, err := p.repo.Upsert(ctx, km)
		if err == nil {
			km.Persisted = true
			if created {
				metrics.PersistUpserts.WithLabelValues("created").Inc()
			} else {
				metrics.PersistUpserts.WithLabelValues("duplicate").Inc()
			}
			return nil
		}
		lastErr = err

		decision := retry.Classify(err)
		if !decision.IsTransient() {
			p.logger.Error("terminal persistence failure",
				"killmail_id", km.KillmailID,
				"reason", decision.Reason,
				"error", err,
			)
			break
		}

		p.logger.Warn("transient persistence failure, retrying",
			"killmail_id", km.KillmailID,
			"attempt", attempt,
			"reason", decision.Reason,
			"error", err,
		)

		if attempt < p.maxRetries {
			timer := time.NewTimer(p.backoff * time.Duration(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				lastErr = ctx.Err()
				attempt = p.maxRetries
			case <-timer.C:
			}
		}
	}

	metrics.PersistUpserts.WithLabelValues("error").Inc()
	metrics.PersistFailures.Inc()

	if p.alerter != nil {
		p.alerter.Send(ctx, alert.Alert{
			Type:     alert.TypePersistenceFailure,
			Severity: alert.SeverityCritical,
			Title:    "Killmail persistence failed",
			Message:  "Upsert exhausted its retry budget; the event continues to dispatch.",
			Fields: map[string]string{
				"killmail_id": fmt.Sprintf("%d", km.KillmailID),
				"error":       lastErr.Error(),
			},
		})
	}

	return fmt.Errorf("persist killmail %d: %w", km.KillmailID, lastErr)
}
