package event

import (
	"encoding/json"
	"time"
)

// RawKillEvent is a killmail exactly as delivered by the feed. The victim
// and attacker sub-documents are kept opaque until validation; shapes vary
// between feed versions and replayed frames.
type RawKillEvent struct {
	KillmailID    int64             `json:"killmail_id"`
	KillmailTime  time.Time         `json:"killmail_time"`
	SolarSystemID int64             `json:"solar_system_id"`
	Victim        json.RawMessage   `json:"victim"`
	Attackers     []json.RawMessage `json:"attackers"`
	Meta          KillMeta          `json:"zkb"`
	ReceivedAt    time.Time         `json:"-"`
}

// KillMeta carries the feed-assigned metadata: the hash used to fetch full
// detail from the reference API and the appraised ISK value.
type KillMeta struct {
	Hash       string  `json:"hash"`
	TotalValue float64 `json:"totalValue"`
}

// RawVictim is the decoded form of the victim sub-document. All ids are
// optional except the ship/system context checked by the validator.
type RawVictim struct {
	CharacterID   int64 `json:"character_id"`
	CorporationID int64 `json:"corporation_id"`
	AllianceID    int64 `json:"alliance_id"`
	ShipTypeID    int64 `json:"ship_type_id"`
	DamageTaken   int64 `json:"damage_taken"`
}

// RawAttacker is the decoded form of one attacker sub-document.
type RawAttacker struct {
	CharacterID   int64 `json:"character_id"`
	CorporationID int64 `json:"corporation_id"`
	AllianceID    int64 `json:"alliance_id"`
	ShipTypeID    int64 `json:"ship_type_id"`
	DamageDone    int64 `json:"damage_done"`
	FinalBlow     bool  `json:"final_blow"`
}
