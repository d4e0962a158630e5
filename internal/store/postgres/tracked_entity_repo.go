package postgres

import (
	"context"
	"fmt"

	"github.com/riftwatch/killwatch/internal/domain/model"
)

type TrackedEntityRepo struct {
	db *DB
}

func NewTrackedEntityRepo(db *DB) *TrackedEntityRepo {
	return &TrackedEntityRepo{db: db}
}

// ListActive returns all active tracked characters and systems.
func (r *TrackedEntityRepo) ListActive(ctx context.Context) ([]model.TrackedEntity, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT kind, entity_id, label, is_active
		FROM tracked_entities
		WHERE is_active = TRUE
		ORDER BY kind, entity_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list tracked entities: %w", err)
	}
	defer rows.Close()

	var entities []model.TrackedEntity
	for rows.Next() {
		var e model.TrackedEntity
		if err := rows.Scan(&e.Kind, &e.ID, &e.Label, &e.Active); err != nil {
			return nil, fmt.Errorf("scan tracked entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracked entities: %w", err)
	}
	return entities, nil
}

// Upsert inserts or reactivates a tracked entity, refreshing its label.
func (r *TrackedEntityRepo) Upsert(ctx context.Context, e *model.TrackedEntity) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tracked_entities (kind, entity_id, label, is_active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, entity_id) DO UPDATE SET
			label = EXCLUDED.label,
			is_active = EXCLUDED.is_active,
			updated_at = now()
	`, e.Kind, e.ID, e.Label, e.Active)
	if err != nil {
		return fmt.Errorf("upsert tracked entity %s/%d: %w", e.Kind, e.ID, err)
	}
	return nil
}
