// Package matcher decides whether a killmail involves anything the
// tracking registry cares about.
package matcher

import (
	"github.com/riftwatch/killwatch/internal/domain/model"
	"github.com/riftwatch/killwatch/internal/tracking"
)

// Decide evaluates km against snap and returns a single decision. A kill
// that matches several tracked entities still yields one notify decision
// carrying every matched entity, so a busy system never multiplies
// notifications.
func Decide(km *model.Killmail, snap *tracking.Snapshot) model.Decision {
	var matched []model.MatchedEntity

	if snap.TracksSystem(km.SolarSystemID) {
		matched = append(matched, model.MatchedEntity{
			Kind: model.MatchSystem,
			ID:   km.SolarSystemID,
			Name: km.SystemName,
		})
	}

	for _, id := range km.CharacterIDs() {
		if !snap.TracksCharacter(id) {
			continue
		}
		matched = append(matched, model.MatchedEntity{
			Kind: model.MatchCharacter,
			ID:   id,
			Name: km.CharacterName(id),
		})
	}

	if len(matched) == 0 {
		return model.Skip(model.SkipNotTracked)
	}
	return model.Notify(matched)
}
