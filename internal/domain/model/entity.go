package model

// EntityKind identifies the namespace of a numeric id in the reference
// data service.
type EntityKind string

const (
	EntityCharacter   EntityKind = "character"
	EntityCorporation EntityKind = "corporation"
	EntityAlliance    EntityKind = "alliance"
	EntityShipType    EntityKind = "ship_type"
	EntitySystem      EntityKind = "system"
)

// EntityRef is a (kind, id) pair, the cache and lookup key for name
// resolution.
type EntityRef struct {
	Kind EntityKind
	ID   int64
}

// TrackedEntity is one row of the tracking registry: a character or solar
// system currently of interest. Label is operator-facing only.
type TrackedEntity struct {
	Kind   MatchKind
	ID     int64
	Label  string
	Active bool
}
