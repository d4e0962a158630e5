package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftwatch/killwatch/internal/alert"
	"github.com/riftwatch/killwatch/internal/cache"
	"github.com/riftwatch/killwatch/internal/dedup"
	"github.com/riftwatch/killwatch/internal/domain/event"
	"github.com/riftwatch/killwatch/internal/domain/model"
	"github.com/riftwatch/killwatch/internal/notify"
	"github.com/riftwatch/killwatch/internal/pipeline/enricher"
	"github.com/riftwatch/killwatch/internal/pipeline/persister"
	"github.com/riftwatch/killwatch/internal/refdata"
	"github.com/riftwatch/killwatch/internal/tracking"
)

// countingRepo is an in-memory killmail store with scriptable failures.
type countingRepo struct {
	mu      sync.Mutex
	rows    map[int64]*model.Killmail
	upserts int
	failErr error
}

func newCountingRepo() *countingRepo {
	return &countingRepo{rows: map[int64]*model.Killmail{}}
}

func (r *countingRepo) Upsert(_ context.Context, km *model.Killmail) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	if r.failErr != nil {
		return false, r.failErr
	}
	if _, exists := r.rows[km.KillmailID]; exists {
		return false, nil
	}
	copied := *km
	r.rows[km.KillmailID] = &copied
	return true, nil
}

func (r *countingRepo) GetByID(_ context.Context, id int64) (*model.Killmail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[id], nil
}

func (r *countingRepo) rowCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func (r *countingRepo) upsertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upserts
}

type staticTrackedRepo struct {
	entities []model.TrackedEntity
}

func (s *staticTrackedRepo) ListActive(context.Context) ([]model.TrackedEntity, error) {
	return s.entities, nil
}

func (s *staticTrackedRepo) Upsert(context.Context, *model.TrackedEntity) error { return nil }

type staticResolver struct{}

func (staticResolver) Resolve(context.Context, model.EntityRef) (string, error) {
	return "", refdata.ErrNotFound
}

type dispatchRecorder struct {
	mu       sync.Mutex
	payloads []notify.Payload
}

func (d *dispatchRecorder) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p notify.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		d.mu.Lock()
		d.payloads = append(d.payloads, p)
		d.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
}

func (d *dispatchRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.payloads)
}

type harness struct {
	in       chan event.RawKillEvent
	repo     *countingRepo
	store    *dedup.MemoryStore
	recorder *dispatchRecorder
	cancel   context.CancelFunc
	done     chan struct{}
}

func startPipeline(t *testing.T, tracked []model.TrackedEntity, repo *countingRepo, opts ...Option) *harness {
	t.Helper()
	logger := slog.Default()

	rec := &dispatchRecorder{}
	srv := httptest.NewServer(rec.handler())
	t.Cleanup(srv.Close)

	store := dedup.NewMemoryStore()
	guard := dedup.NewGuard(store, time.Hour)

	names := cache.New[model.EntityRef, string](100, time.Minute)
	enr := enricher.New(staticResolver{}, names, logger)

	registry := tracking.NewRegistry(&staticTrackedRepo{entities: tracked}, time.Minute, logger)
	require.NoError(t, registry.Refresh(context.Background()))

	pers := persister.New(repo, nil, logger, persister.WithRetries(2, time.Millisecond))
	dispatcher := notify.New(srv.URL, logger)

	in := make(chan event.RawKillEvent, 16)
	opts = append([]Option{
		WithWorkers(4),
		WithEventBudget(5 * time.Second),
	}, opts...)
	p := New(in, guard, enr, registry, pers, dispatcher, logger, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &harness{
		in:       in,
		repo:     repo,
		store:    store,
		recorder: rec,
		cancel:   cancel,
		done:     done,
	}
}

func rawKill(id, systemID, victimChar int64) event.RawKillEvent {
	return event.RawKillEvent{
		KillmailID:    id,
		KillmailTime:  time.Date(2026, 8, 30, 18, 4, 0, 0, time.UTC),
		SolarSystemID: systemID,
		Victim:        json.RawMessage(`{"character_id": ` + jsonInt(victimChar) + `, "ship_type_id": 670}`),
		Attackers: []json.RawMessage{
			json.RawMessage(`{"character_id": 11111, "final_blow": true}`),
		},
		Meta:       event.KillMeta{Hash: "abc123def", TotalValue: 10000000.5},
		ReceivedAt: time.Now().UTC(),
	}
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func trackedSystem(id int64) []model.TrackedEntity {
	return []model.TrackedEntity{{Kind: model.MatchSystem, ID: id, Label: "test", Active: true}}
}

func TestPipelineProcessesTrackedKill(t *testing.T) {
	repo := newCountingRepo()
	h := startPipeline(t, trackedSystem(30000142), repo)

	h.in <- rawKill(12345, 30000142, 98765)

	require.Eventually(t, func() bool {
		return repo.rowCount() == 1 && h.recorder.count() == 1
	}, 5*time.Second, 10*time.Millisecond)

	h.recorder.mu.Lock()
	p := h.recorder.payloads[0]
	h.recorder.mu.Unlock()
	assert.Equal(t, int64(12345), p.KillmailID)
	assert.True(t, p.Persisted)
	require.Len(t, p.Matched, 1)
	assert.Equal(t, model.MatchSystem, p.Matched[0].Kind)
	// Enrichment degraded to placeholders with the failing resolver.
	assert.Equal(t, model.UnknownName, p.SystemName)
}

func TestPipelineIdempotence(t *testing.T) {
	repo := newCountingRepo()
	h := startPipeline(t, trackedSystem(30000142), repo)

	// The same killmail delivered twice, concurrently claimable.
	h.in <- rawKill(12345, 30000142, 98765)
	h.in <- rawKill(12345, 30000142, 98765)

	require.Eventually(t, func() bool {
		return h.recorder.count() >= 1
	}, 5*time.Second, 10*time.Millisecond)

	// Give the duplicate time to flow through before asserting.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, repo.upsertCount())
	assert.Equal(t, 1, repo.rowCount())
	assert.Equal(t, 1, h.recorder.count())
}

func TestPipelineValidationRejectionHasNoSideEffects(t *testing.T) {
	repo := newCountingRepo()
	h := startPipeline(t, trackedSystem(30000142), repo)

	ev := rawKill(0, 30000142, 98765) // missing killmail_id
	h.in <- ev

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, repo.upsertCount())
	assert.Zero(t, h.recorder.count())
	assert.Zero(t, h.store.Len())
}

func TestPipelineNotTrackedSkips(t *testing.T) {
	repo := newCountingRepo()
	h := startPipeline(t, trackedSystem(31000005), repo)

	h.in <- rawKill(12345, 30000142, 98765)

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, repo.upsertCount())
	assert.Zero(t, h.recorder.count())
	// The claim is held so a replay of the same untracked kill is not
	// reprocessed.
	assert.Equal(t, 1, h.store.Len())
}

func TestPipelinePersistenceFailureStillDispatches(t *testing.T) {
	repo := newCountingRepo()
	repo.failErr = errors.New("db unavailable") // transient by message

	h := startPipeline(t, trackedSystem(30000142), repo)
	h.in <- rawKill(12345, 30000142, 98765)

	require.Eventually(t, func() bool {
		return h.recorder.count() == 1
	}, 5*time.Second, 10*time.Millisecond)

	h.recorder.mu.Lock()
	p := h.recorder.payloads[0]
	h.recorder.mu.Unlock()
	assert.False(t, p.Persisted)
	assert.Equal(t, 0, repo.rowCount())
	// Retry budget was spent before dispatch ran.
	assert.Equal(t, 2, repo.upsertCount())
}

func TestPipelineDistinctKillsBothProcessed(t *testing.T) {
	repo := newCountingRepo()
	h := startPipeline(t, trackedSystem(30000142), repo)

	h.in <- rawKill(111, 30000142, 1)
	h.in <- rawKill(222, 30000142, 2)

	require.Eventually(t, func() bool {
		return repo.rowCount() == 2 && h.recorder.count() == 2
	}, 5*time.Second, 10*time.Millisecond)
}

// recordChannel captures alerts raised through the pipeline's alerter.
type recordChannel struct {
	mu   sync.Mutex
	sent []alert.Alert
}

func (c *recordChannel) Name() string { return "record" }

func (c *recordChannel) Send(_ context.Context, a alert.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, a)
	return nil
}

func (c *recordChannel) alerts() []alert.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]alert.Alert(nil), c.sent...)
}

// newTestPipeline builds a pipeline whose process method can be driven
// directly, with the dispatch endpoint handled by h.
func newTestPipeline(t *testing.T, repo *countingRepo, dispatch http.Handler, opts ...Option) *Pipeline {
	t.Helper()
	logger := slog.Default()

	srv := httptest.NewServer(dispatch)
	t.Cleanup(srv.Close)

	guard := dedup.NewGuard(dedup.NewMemoryStore(), time.Hour)
	names := cache.New[model.EntityRef, string](100, time.Minute)
	enr := enricher.New(staticResolver{}, names, logger)

	registry := tracking.NewRegistry(&staticTrackedRepo{entities: trackedSystem(30000142)}, time.Minute, logger)
	require.NoError(t, registry.Refresh(context.Background()))

	pers := persister.New(repo, nil, logger, persister.WithRetries(1, time.Millisecond))
	dispatcher := notify.New(srv.URL, logger)

	in := make(chan event.RawKillEvent)
	return New(in, guard, enr, registry, pers, dispatcher, logger, opts...)
}

func TestPipelineDispatchFailureRaisesAlert(t *testing.T) {
	repo := newCountingRepo()
	ch := &recordChannel{}
	alerter := alert.New(slog.Default(), []alert.Channel{ch})

	failing := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	p := newTestPipeline(t, repo, failing, WithAlerter(alerter))

	outcome, decision := p.process(context.Background(), rawKill(12345, 30000142, 98765))

	// Dispatch failure alone does not fail the event; persistence succeeded.
	assert.Equal(t, outcomeDone, outcome)
	assert.Equal(t, model.DecisionNotify, decision.Kind)

	got := ch.alerts()
	require.Len(t, got, 1)
	assert.Equal(t, alert.TypeDispatchDegraded, got[0].Type)
	assert.Equal(t, alert.SeverityWarning, got[0].Severity)
	assert.Equal(t, "12345", got[0].Fields["killmail_id"])
	assert.Contains(t, got[0].Fields["error"], "http status 502")
}

func TestPipelineDuplicateYieldsSkipDecision(t *testing.T) {
	repo := newCountingRepo()
	accept := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	p := newTestPipeline(t, repo, accept)

	outcome, decision := p.process(context.Background(), rawKill(12345, 30000142, 98765))
	assert.Equal(t, outcomeDone, outcome)
	assert.Equal(t, model.DecisionNotify, decision.Kind)

	outcome, decision = p.process(context.Background(), rawKill(12345, 30000142, 98765))
	assert.Equal(t, outcomeDuplicate, outcome)
	assert.Equal(t, model.DecisionSkip, decision.Kind)
	assert.Equal(t, model.SkipDuplicate, decision.Reason)
}

func TestPipelineOutcomeObserver(t *testing.T) {
	var mu sync.Mutex
	var outcomes []bool
	observe := func(ok bool) {
		mu.Lock()
		outcomes = append(outcomes, ok)
		mu.Unlock()
	}

	repo := newCountingRepo()
	h := startPipeline(t, trackedSystem(30000142), repo, WithOutcomeObserver(observe))

	h.in <- rawKill(12345, 30000142, 98765)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(outcomes) == 1 && outcomes[0]
	}, 5*time.Second, 10*time.Millisecond)

	// Exhausted persistence retries count as a failed outcome.
	repo.mu.Lock()
	repo.failErr = errors.New("db unavailable")
	repo.mu.Unlock()
	h.in <- rawKill(67890, 30000142, 98765)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(outcomes) == 2 && !outcomes[1]
	}, 5*time.Second, 10*time.Millisecond)
}
