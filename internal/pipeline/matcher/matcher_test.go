package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftwatch/killwatch/internal/domain/model"
	"github.com/riftwatch/killwatch/internal/tracking"
)

func snapshot(chars, systems []int64) *tracking.Snapshot {
	snap := &tracking.Snapshot{
		Characters: map[int64]struct{}{},
		Systems:    map[int64]struct{}{},
	}
	for _, id := range chars {
		snap.Characters[id] = struct{}{}
	}
	for _, id := range systems {
		snap.Systems[id] = struct{}{}
	}
	return snap
}

func killmail() *model.Killmail {
	return &model.Killmail{
		KillmailID:    12345,
		SolarSystemID: 30000142,
		SystemName:    "Jita",
		Victim:        model.Victim{CharacterID: 98765, CharacterName: "Pilot A"},
		Attackers: []model.Attacker{
			{CharacterID: 11111, CharacterName: "Pilot B", FinalBlow: true},
			{CharacterID: 22222, CharacterName: "Pilot C"},
			{CharacterID: 0}, // NPC
		},
	}
}

func TestDecideNotTracked(t *testing.T) {
	d := Decide(killmail(), snapshot([]int64{55555}, []int64{30002187}))
	assert.Equal(t, model.DecisionSkip, d.Kind)
	assert.Equal(t, model.SkipNotTracked, d.Reason)
	assert.Empty(t, d.Matched)
}

func TestDecideSystemMatch(t *testing.T) {
	d := Decide(killmail(), snapshot(nil, []int64{30000142}))
	require.Equal(t, model.DecisionNotify, d.Kind)
	require.Len(t, d.Matched, 1)
	assert.Equal(t, model.MatchSystem, d.Matched[0].Kind)
	assert.Equal(t, int64(30000142), d.Matched[0].ID)
	assert.Equal(t, "Jita", d.Matched[0].Name)
}

func TestDecideVictimCharacterMatch(t *testing.T) {
	d := Decide(killmail(), snapshot([]int64{98765}, nil))
	require.Equal(t, model.DecisionNotify, d.Kind)
	require.Len(t, d.Matched, 1)
	assert.Equal(t, model.MatchCharacter, d.Matched[0].Kind)
	assert.Equal(t, "Pilot A", d.Matched[0].Name)
}

func TestDecideAttackerCharacterMatch(t *testing.T) {
	d := Decide(killmail(), snapshot([]int64{22222}, nil))
	require.Equal(t, model.DecisionNotify, d.Kind)
	require.Len(t, d.Matched, 1)
	assert.Equal(t, int64(22222), d.Matched[0].ID)
}

func TestDecideSystemAndCharacterReportedOnce(t *testing.T) {
	d := Decide(killmail(), snapshot([]int64{98765, 11111}, []int64{30000142}))
	require.Equal(t, model.DecisionNotify, d.Kind)
	require.Len(t, d.Matched, 3)

	kinds := map[model.MatchKind]int{}
	for _, m := range d.Matched {
		kinds[m.Kind]++
	}
	assert.Equal(t, 1, kinds[model.MatchSystem])
	assert.Equal(t, 2, kinds[model.MatchCharacter])
}

func TestDecideDuplicateAttackerIDMatchedOnce(t *testing.T) {
	km := killmail()
	km.Attackers = append(km.Attackers, model.Attacker{CharacterID: 11111, CharacterName: "Pilot B"})

	d := Decide(km, snapshot([]int64{11111}, nil))
	require.Equal(t, model.DecisionNotify, d.Kind)
	require.Len(t, d.Matched, 1)
}
