package store

import (
	"context"

	"github.com/riftwatch/killwatch/internal/domain/model"
)

// KillmailRepository persists normalized killmails. Upsert is idempotent
// on the killmail id unique constraint.
type KillmailRepository interface {
	// Upsert writes km and reports whether a new row was created. A
	// conflicting write is success with created=false.
	Upsert(ctx context.Context, km *model.Killmail) (created bool, err error)
	GetByID(ctx context.Context, killmailID int64) (*model.Killmail, error)
}

// TrackedEntityRepository is the source of truth behind the tracking
// registry snapshot.
type TrackedEntityRepository interface {
	ListActive(ctx context.Context) ([]model.TrackedEntity, error)
	Upsert(ctx context.Context, e *model.TrackedEntity) error
}
