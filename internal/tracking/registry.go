// Package tracking holds the registry of characters and systems currently
// of interest. The pipeline only ever reads immutable snapshots; refreshes
// happen out-of-band on an interval.
package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/riftwatch/killwatch/internal/domain/model"
	"github.com/riftwatch/killwatch/internal/metrics"
	"github.com/riftwatch/killwatch/internal/store"
	"gopkg.in/yaml.v3"
)

// Snapshot is a read-only view of the tracked id sets. A snapshot may be
// stale by at most one refresh interval; the pipeline accepts that.
type Snapshot struct {
	Characters map[int64]struct{}
	Systems    map[int64]struct{}
}

// TracksCharacter reports whether id is a tracked character.
func (s *Snapshot) TracksCharacter(id int64) bool {
	_, ok := s.Characters[id]
	return ok
}

// TracksSystem reports whether id is a tracked solar system.
func (s *Snapshot) TracksSystem(id int64) bool {
	_, ok := s.Systems[id]
	return ok
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Characters: map[int64]struct{}{},
		Systems:    map[int64]struct{}{},
	}
}

// Registry loads tracked entities from the repository and publishes
// snapshots through an atomic pointer.
type Registry struct {
	repo     store.TrackedEntityRepository
	interval time.Duration
	logger   *slog.Logger
	current  atomic.Pointer[Snapshot]
}

func NewRegistry(repo store.TrackedEntityRepository, interval time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		repo:     repo,
		interval: interval,
		logger:   logger.With("component", "tracking"),
	}
	r.current.Store(emptySnapshot())
	return r
}

// Snapshot returns the most recent snapshot. Never nil.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Refresh loads the active entities and swaps in a fresh snapshot.
func (r *Registry) Refresh(ctx context.Context) error {
	entities, err := r.repo.ListActive(ctx)
	if err != nil {
		metrics.TrackingRefreshErrors.Inc()
		return fmt.Errorf("refresh tracking registry: %w", err)
	}

	snap := emptySnapshot()
	for _, e := range entities {
		switch e.Kind {
		case model.MatchCharacter:
			snap.Characters[e.ID] = struct{}{}
		case model.MatchSystem:
			snap.Systems[e.ID] = struct{}{}
		}
	}
	r.current.Store(snap)

	metrics.TrackingRegistrySize.WithLabelValues(string(model.MatchCharacter)).Set(float64(len(snap.Characters)))
	metrics.TrackingRegistrySize.WithLabelValues(string(model.MatchSystem)).Set(float64(len(snap.Systems)))
	return nil
}

// Run refreshes immediately and then on every interval tick until ctx is
// cancelled. Refresh failures keep the previous snapshot.
func (r *Registry) Run(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("initial tracking refresh failed, starting with empty registry", "error", err)
	} else {
		snap := r.Snapshot()
		r.logger.Info("tracking registry loaded",
			"characters", len(snap.Characters),
			"systems", len(snap.Systems),
		)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("tracking refresh failed, keeping previous snapshot", "error", err)
			}
		}
	}
}

// seedFile is the YAML shape of a tracking seed.
type seedFile struct {
	Characters []seedEntry `yaml:"characters"`
	Systems    []seedEntry `yaml:"systems"`
}

type seedEntry struct {
	ID    int64  `yaml:"id"`
	Label string `yaml:"label"`
}

// SeedFromFile upserts the entities listed in a YAML seed file into the
// repository. Used at startup so fresh deployments track something before
// the operator edits the table.
func SeedFromFile(ctx context.Context, repo store.TrackedEntityRepository, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tracking seed: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse tracking seed: %w", err)
	}

	for _, c := range seed.Characters {
		e := &model.TrackedEntity{Kind: model.MatchCharacter, ID: c.ID, Label: c.Label, Active: true}
		if err := repo.Upsert(ctx, e); err != nil {
			return fmt.Errorf("seed character %d: %w", c.ID, err)
		}
	}
	for _, s := range seed.Systems {
		e := &model.TrackedEntity{Kind: model.MatchSystem, ID: s.ID, Label: s.Label, Active: true}
		if err := repo.Upsert(ctx, e); err != nil {
			return fmt.Errorf("seed system %d: %w", s.ID, err)
		}
	}
	return nil
}
