// Package pipeline coordinates the per-killmail processing flow: validate,
// claim, enrich, decide, then persist and dispatch as independent side
// effects of a notify decision.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/riftwatch/killwatch/internal/alert"
	"github.com/riftwatch/killwatch/internal/dedup"
	"github.com/riftwatch/killwatch/internal/domain/event"
	"github.com/riftwatch/killwatch/internal/domain/model"
	"github.com/riftwatch/killwatch/internal/metrics"
	"github.com/riftwatch/killwatch/internal/notify"
	"github.com/riftwatch/killwatch/internal/pipeline/enricher"
	"github.com/riftwatch/killwatch/internal/pipeline/matcher"
	"github.com/riftwatch/killwatch/internal/pipeline/persister"
	"github.com/riftwatch/killwatch/internal/pipeline/validator"
	"github.com/riftwatch/killwatch/internal/tracing"
	"github.com/riftwatch/killwatch/internal/tracking"
)

const defaultEventBudget = 10 * time.Second

// Outcome labels for the completed-events counter.
const (
	outcomeDone          = "done"
	outcomeNotTracked    = "skipped_not_tracked"
	outcomeDuplicate     = "skipped_duplicate"
	outcomeInvalid       = "validation_failed"
	outcomePersistFailed = "persist_failed"
	outcomeFailed        = "failed"
)

// Pipeline fans inbound raw events across a fixed pool of workers. Each
// worker owns its event end to end; no state is shared between events
// except the dedup store and the tracking snapshot.
type Pipeline struct {
	in          <-chan event.RawKillEvent
	guard       *dedup.Guard
	enricher    *enricher.Enricher
	registry    *tracking.Registry
	persister   *persister.Persister
	dispatcher  *notify.Dispatcher
	alerter     *alert.Alerter
	workers     int
	eventBudget time.Duration
	observeFn   func()
	outcomeFn   func(ok bool)
	logger      *slog.Logger
	tracer      trace.Tracer
}

type Option func(*Pipeline)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithEventBudget bounds the wall-clock time one event may consume.
func WithEventBudget(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.eventBudget = d
		}
	}
}

// WithEventObserver registers a callback invoked once per accepted event,
// used by the health tracker.
func WithEventObserver(fn func()) Option {
	return func(p *Pipeline) {
		p.observeFn = fn
	}
}

// WithOutcomeObserver registers a callback invoked with each event's
// terminal result; failures feed the health tracker's consecutive-failure
// accounting. Skips count as clean completions.
func WithOutcomeObserver(fn func(ok bool)) Option {
	return func(p *Pipeline) {
		p.outcomeFn = fn
	}
}

// WithAlerter enables operational alerts for dispatch failures.
func WithAlerter(a *alert.Alerter) Option {
	return func(p *Pipeline) {
		p.alerter = a
	}
}

func New(
	in <-chan event.RawKillEvent,
	guard *dedup.Guard,
	enr *enricher.Enricher,
	registry *tracking.Registry,
	pers *persister.Persister,
	dispatcher *notify.Dispatcher,
	logger *slog.Logger,
	opts ...Option,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		in:          in,
		guard:       guard,
		enricher:    enr,
		registry:    registry,
		persister:   pers,
		dispatcher:  dispatcher,
		workers:     8,
		eventBudget: defaultEventBudget,
		logger:      logger.With("component", "pipeline"),
		tracer:      tracing.Tracer("pipeline"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Run processes events until ctx is cancelled and the input channel drains.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "workers", p.workers, "event_budget", p.eventBudget)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			return p.worker(ctx)
		})
	}
	return g.Wait()
}

func (p *Pipeline) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-p.in:
			if !ok {
				return nil
			}
			metrics.PipelineQueueDepth.Set(float64(len(p.in)))
			metrics.PipelineWorkersBusy.Inc()
			p.handle(ctx, raw)
			metrics.PipelineWorkersBusy.Dec()
		}
	}
}

// handle runs one event through every stage. Stage failures resolve to a
// terminal outcome here; nothing propagates to the worker loop.
func (p *Pipeline) handle(ctx context.Context, raw event.RawKillEvent) {
	metrics.PipelineEventsReceived.Inc()
	if p.observeFn != nil {
		p.observeFn()
	}
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, p.eventBudget)
	defer cancel()

	ctx, span := p.tracer.Start(ctx, "pipeline.handle",
		trace.WithAttributes(attribute.Int64("killmail.id", raw.KillmailID)),
	)
	defer span.End()

	outcome, decision := p.process(ctx, raw)

	span.SetAttributes(
		attribute.String("killmail.outcome", outcome),
		attribute.String("killmail.decision", decision.String()),
	)
	if outcome == outcomeFailed || outcome == outcomePersistFailed {
		span.SetStatus(codes.Error, outcome)
	}
	if p.outcomeFn != nil {
		p.outcomeFn(outcome != outcomeFailed && outcome != outcomePersistFailed)
	}
	metrics.PipelineEventsCompleted.WithLabelValues(outcome).Inc()
	metrics.PipelineEventLatency.Observe(time.Since(start).Seconds())
}

func (p *Pipeline) process(ctx context.Context, raw event.RawKillEvent) (string, model.Decision) {
	km, err := validator.Validate(raw)
	if err != nil {
		var verr *validator.ValidationError
		if errors.As(err, &verr) {
			p.logger.Warn("event rejected", "killmail_id", verr.KillmailID, "missing", verr.Missing)
		} else {
			p.logger.Warn("event rejected", "error", err)
		}
		return outcomeInvalid, model.Decision{Kind: model.DecisionError}
	}

	logger := p.logger.With("killmail_id", km.KillmailID)

	claimed, err := p.guard.Claim(ctx, km.KillmailID)
	if err != nil {
		logger.Error("dedup claim failed", "error", err)
		return outcomeFailed, model.Decision{Kind: model.DecisionError}
	}
	if !claimed {
		logger.Debug("duplicate killmail skipped")
		return outcomeDuplicate, model.Skip(model.SkipDuplicate)
	}

	p.enricher.Enrich(ctx, km)

	decision := matcher.Decide(km, p.registry.Snapshot())
	if decision.Kind == model.DecisionSkip {
		logger.Debug("killmail not tracked")
		return outcomeNotTracked, decision
	}

	// The claim is held from here on even if both side effects fail:
	// a replayed frame would produce the same partial failure, and the
	// feed is the only retry mechanism.
	if ctx.Err() != nil {
		if err := p.guard.Release(context.WithoutCancel(ctx), km.KillmailID); err != nil {
			logger.Warn("claim release failed", "error", err)
		}
		return outcomeFailed, model.Decision{Kind: model.DecisionError}
	}

	persistErr := p.persister.Persist(ctx, km)

	if err := p.dispatcher.Dispatch(ctx, km, decision.Matched); err != nil {
		logger.Warn("notification dispatch failed", "error", err)
		if p.alerter != nil {
			p.alerter.Send(ctx, alert.Alert{
				Type:     alert.TypeDispatchDegraded,
				Severity: alert.SeverityWarning,
				Title:    "Notification dispatch failing",
				Message:  "A kill notification could not be delivered to the dispatch endpoint.",
				Fields: map[string]string{
					"killmail_id": fmt.Sprintf("%d", km.KillmailID),
					"error":       err.Error(),
				},
			})
		}
	}

	if persistErr != nil {
		logger.Error("killmail not persisted", "error", persistErr)
		return outcomePersistFailed, decision
	}

	logger.Info("killmail processed",
		"system", km.SystemName,
		"matches", len(decision.Matched),
		"total_value", km.TotalValue,
	)
	return outcomeDone, decision
}
