package model

import "fmt"

// DecisionKind is the outcome of the tracking match for one killmail.
type DecisionKind string

const (
	DecisionNotify DecisionKind = "notify"
	DecisionSkip   DecisionKind = "skip"
	DecisionError  DecisionKind = "error"
)

// SkipReason explains a skip decision.
type SkipReason string

const (
	SkipNotTracked SkipReason = "not_tracked"
	SkipDuplicate  SkipReason = "duplicate"
)

// MatchKind says which side of the registry an entity matched on.
type MatchKind string

const (
	MatchCharacter MatchKind = "character"
	MatchSystem    MatchKind = "system"
)

// MatchedEntity is one tracked entity involved in a killmail. A killmail
// matching on both a system and one or more characters carries every match
// in a single decision; it is never reported twice.
type MatchedEntity struct {
	Kind MatchKind `json:"kind"`
	ID   int64     `json:"id"`
	Name string    `json:"name,omitempty"`
}

// Decision is produced exactly once per killmail and consumed by the
// persistence and notification branches.
type Decision struct {
	Kind    DecisionKind
	Reason  SkipReason
	Matched []MatchedEntity
}

// Notify builds a notify decision with the given matches.
func Notify(matched []MatchedEntity) Decision {
	return Decision{Kind: DecisionNotify, Matched: matched}
}

// Skip builds a skip decision with a reason.
func Skip(reason SkipReason) Decision {
	return Decision{Kind: DecisionSkip, Reason: reason}
}

func (d Decision) String() string {
	switch d.Kind {
	case DecisionNotify:
		return fmt.Sprintf("notify(%d matches)", len(d.Matched))
	case DecisionSkip:
		return fmt.Sprintf("skip(%s)", d.Reason)
	default:
		return string(d.Kind)
	}
}
