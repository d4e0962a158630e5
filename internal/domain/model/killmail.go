package model

import "time"

// UnknownName is substituted whenever the reference data service cannot
// resolve an id. Enrichment degrades readability, never correctness.
const UnknownName = "Unknown"

// Killmail is the canonical representation used by every stage after
// validation. The killmail id is the sole identity key across dedup,
// persistence, and notification. The enricher fills in names in place and
// the matcher attaches the decision; nothing mutates the record afterwards.
type Killmail struct {
	KillmailID    int64
	Hash          string
	SolarSystemID int64
	SystemName    string
	KillTime      time.Time
	TotalValue    float64

	Victim        Victim
	Attackers     []Attacker
	AttackerCount int

	Persisted bool
}

// Victim identifies who lost the ship.
type Victim struct {
	CharacterID     int64
	CharacterName   string
	CorporationID   int64
	CorporationName string
	AllianceID      int64
	AllianceName    string
	ShipTypeID      int64
	ShipName        string
	DamageTaken     int64
}

// Attacker is one entry in the killmail's attacker list.
type Attacker struct {
	CharacterID     int64
	CharacterName   string
	CorporationID   int64
	CorporationName string
	ShipTypeID      int64
	ShipName        string
	DamageDone      int64
	FinalBlow       bool
}

// CharacterIDs returns the union of the victim's character id and every
// attacker character id, deduplicated and in first-seen order. Unset
// (zero) ids are skipped; structures and NPC entities appear without a
// character id.
func (k *Killmail) CharacterIDs() []int64 {
	ids := make([]int64, 0, len(k.Attackers)+1)
	seen := make(map[int64]struct{}, len(k.Attackers)+1)
	add := func(id int64) {
		if id <= 0 {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	add(k.Victim.CharacterID)
	for _, a := range k.Attackers {
		add(a.CharacterID)
	}
	return ids
}

// CharacterName returns the resolved name for a character id appearing on
// the killmail, or the empty string when the id is not present.
func (k *Killmail) CharacterName(id int64) string {
	if id == k.Victim.CharacterID {
		return k.Victim.CharacterName
	}
	for _, a := range k.Attackers {
		if a.CharacterID == id {
			return a.CharacterName
		}
	}
	return ""
}
