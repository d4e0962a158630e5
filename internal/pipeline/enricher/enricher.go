// Package enricher resolves the numeric ids on a killmail into display
// names, cache-first. Enrichment degrades to placeholders on any lookup
// failure; it never fails the pipeline.
package enricher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/riftwatch/killwatch/internal/cache"
	"github.com/riftwatch/killwatch/internal/domain/model"
	"github.com/riftwatch/killwatch/internal/metrics"
	"github.com/riftwatch/killwatch/internal/refdata"
)

const defaultLookupTimeout = 3 * time.Second

// Enricher fills in names on a killmail in place.
type Enricher struct {
	resolver      refdata.Resolver
	names         *cache.TTLCache[model.EntityRef, string]
	lookupTimeout time.Duration
	logger        *slog.Logger
}

type Option func(*Enricher)

// WithLookupTimeout bounds each individual reference data call.
func WithLookupTimeout(d time.Duration) Option {
	return func(e *Enricher) {
		if d > 0 {
			e.lookupTimeout = d
		}
	}
}

func New(resolver refdata.Resolver, names *cache.TTLCache[model.EntityRef, string], logger *slog.Logger, opts ...Option) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Enricher{
		resolver:      resolver,
		names:         names,
		lookupTimeout: defaultLookupTimeout,
		logger:        logger.With("component", "enricher"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Enrich resolves every unresolved id on km. Failed lookups leave the
// placeholder name and are logged at debug; only cache-missed successes
// are written back to the cache.
func (e *Enricher) Enrich(ctx context.Context, km *model.Killmail) {
	km.SystemName = e.resolve(ctx, model.EntityRef{Kind: model.EntitySystem, ID: km.SolarSystemID})

	km.Victim.CharacterName = e.resolve(ctx, model.EntityRef{Kind: model.EntityCharacter, ID: km.Victim.CharacterID})
	km.Victim.CorporationName = e.resolve(ctx, model.EntityRef{Kind: model.EntityCorporation, ID: km.Victim.CorporationID})
	km.Victim.AllianceName = e.resolve(ctx, model.EntityRef{Kind: model.EntityAlliance, ID: km.Victim.AllianceID})
	km.Victim.ShipName = e.resolve(ctx, model.EntityRef{Kind: model.EntityShipType, ID: km.Victim.ShipTypeID})

	for i := range km.Attackers {
		a := &km.Attackers[i]
		a.CharacterName = e.resolve(ctx, model.EntityRef{Kind: model.EntityCharacter, ID: a.CharacterID})
		a.CorporationName = e.resolve(ctx, model.EntityRef{Kind: model.EntityCorporation, ID: a.CorporationID})
		a.ShipName = e.resolve(ctx, model.EntityRef{Kind: model.EntityShipType, ID: a.ShipTypeID})
	}
}

// resolve returns the display name for ref, or the placeholder for unset
// ids and failed lookups.
func (e *Enricher) resolve(ctx context.Context, ref model.EntityRef) string {
	if ref.ID <= 0 {
		return model.UnknownName
	}

	if name, ok := e.names.Get(ref); ok {
		metrics.EnrichmentCacheHits.Inc()
		return name
	}
	metrics.EnrichmentCacheMisses.Inc()

	lookupCtx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()

	name, err := e.resolver.Resolve(lookupCtx, ref)
	if err != nil {
		if errors.Is(err, refdata.ErrNotFound) {
			metrics.EnrichmentLookups.WithLabelValues(string(ref.Kind), "not_found").Inc()
			// Cache the placeholder so unknown ids do not hammer the
			// reference service on every replayed killmail.
			e.names.Set(ref, model.UnknownName)
		} else {
			metrics.EnrichmentLookups.WithLabelValues(string(ref.Kind), "error").Inc()
			e.logger.Debug("lookup failed, using placeholder",
				"kind", ref.Kind,
				"id", ref.ID,
				"error", err,
			)
		}
		return model.UnknownName
	}

	metrics.EnrichmentLookups.WithLabelValues(string(ref.Kind), "ok").Inc()
	e.names.Set(ref, name)
	return name
}
