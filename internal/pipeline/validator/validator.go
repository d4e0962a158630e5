// Package validator turns raw feed events into the canonical killmail
// representation, rejecting events missing required identity fields.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/riftwatch/killwatch/internal/domain/event"
	"github.com/riftwatch/killwatch/internal/domain/model"
	"github.com/riftwatch/killwatch/internal/metrics"
)

// ValidationError reports the required fields a raw event is missing.
// It is terminal for the event: no later stage runs.
type ValidationError struct {
	KillmailID int64
	Missing    []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("killmail %d invalid: missing %s", e.KillmailID, strings.Join(e.Missing, ", "))
}

// Validate checks raw and builds the canonical killmail. Required fields
// are the positive killmail id, a victim sub-document, and a positive
// system id. Optional ids (ship, alliance, even character for structure
// kills) are tolerated as zero and enrich to placeholders later.
func Validate(raw event.RawKillEvent) (*model.Killmail, error) {
	var missing []string
	if raw.KillmailID <= 0 {
		missing = append(missing, "killmail_id")
	}
	if len(raw.Victim) == 0 || string(raw.Victim) == "null" {
		missing = append(missing, "victim")
	}
	if raw.SolarSystemID <= 0 {
		missing = append(missing, "solar_system_id")
	}
	if len(missing) > 0 {
		for _, field := range missing {
			metrics.ValidationFailures.WithLabelValues(field).Inc()
		}
		return nil, &ValidationError{KillmailID: raw.KillmailID, Missing: missing}
	}

	var victim event.RawVictim
	if err := json.Unmarshal(raw.Victim, &victim); err != nil {
		metrics.ValidationFailures.WithLabelValues("victim").Inc()
		return nil, &ValidationError{KillmailID: raw.KillmailID, Missing: []string{"victim"}}
	}

	km := &model.Killmail{
		KillmailID:    raw.KillmailID,
		Hash:          raw.Meta.Hash,
		SolarSystemID: raw.SolarSystemID,
		KillTime:      raw.KillmailTime,
		TotalValue:    raw.Meta.TotalValue,
		Victim: model.Victim{
			CharacterID:   victim.CharacterID,
			CorporationID: victim.CorporationID,
			AllianceID:    victim.AllianceID,
			ShipTypeID:    victim.ShipTypeID,
			DamageTaken:   victim.DamageTaken,
		},
	}

	km.Attackers = make([]model.Attacker, 0, len(raw.Attackers))
	for _, rawAttacker := range raw.Attackers {
		var a event.RawAttacker
		if err := json.Unmarshal(rawAttacker, &a); err != nil {
			// A single undecodable attacker entry degrades the list, it
			// does not reject the killmail.
			continue
		}
		km.Attackers = append(km.Attackers, model.Attacker{
			CharacterID:   a.CharacterID,
			CorporationID: a.CorporationID,
			ShipTypeID:    a.ShipTypeID,
			DamageDone:    a.DamageDone,
			FinalBlow:     a.FinalBlow,
		})
	}
	km.AttackerCount = len(km.Attackers)

	return km, nil
}
