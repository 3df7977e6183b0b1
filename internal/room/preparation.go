package room

import (
	"bytes"
	"encoding/json"

	"github.com/foxseedlab/partyroom/internal/apperr"
	"github.com/foxseedlab/partyroom/internal/repository"
)

type PreparationKind string

const (
	PreparationCharacter PreparationKind = "character"
	PreparationScreen    PreparationKind = "screen"
	PreparationFinal     PreparationKind = "final"
)

// PreparationUpdate changes exactly one readiness sub-flag. Character updates
// carry the customization payload; characterReady follows from its presence.
type PreparationUpdate struct {
	Kind          PreparationKind `json:"kind"`
	Ready         *bool           `json:"ready,omitempty"`
	Customization json.RawMessage `json:"customization,omitempty"`
}

func (u PreparationUpdate) Validate() error {
	switch u.Kind {
	case PreparationCharacter:
		if len(u.Customization) > 0 && !json.Valid(u.Customization) {
			return apperr.Validation("customization must be valid JSON")
		}
		if u.Ready != nil {
			return apperr.Validation("character readiness is derived from customization")
		}
	case PreparationScreen, PreparationFinal:
		if u.Ready == nil {
			return apperr.Validation("ready is required")
		}
		if len(u.Customization) > 0 {
			return apperr.Validation("customization is only accepted for character updates")
		}
	case "":
		return apperr.Validation("kind is required")
	default:
		return apperr.Validation("unknown preparation kind " + string(u.Kind))
	}
	return nil
}

func (u PreparationUpdate) apply(p repository.Participant) repository.UpdateReadinessInput {
	in := repository.UpdateReadinessInput{
		ParticipantID:  p.ID,
		CharacterReady: p.CharacterReady,
		ScreenReady:    p.ScreenReady,
		FinalReady:     p.FinalReady,
		Customization:  p.Customization,
	}
	switch u.Kind {
	case PreparationCharacter:
		if hasCustomization(u.Customization) {
			in.Customization = u.Customization
			in.CharacterReady = true
		} else {
			in.Customization = nil
			in.CharacterReady = false
		}
	case PreparationScreen:
		in.ScreenReady = *u.Ready
	case PreparationFinal:
		in.FinalReady = *u.Ready
	}
	return in
}

func hasCustomization(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", "{}", "[]", `""`:
		return false
	}
	return true
}

// MinReadyParticipants is the smallest room that can reach all-ready.
const MinReadyParticipants = 2

type Readiness struct {
	ReadyCount int  `json:"readyCount"`
	TotalCount int  `json:"totalCount"`
	AllReady   bool `json:"allReady"`
}

// Summarize applies the single readiness predicate used by every start path.
func Summarize(participants []repository.Participant) Readiness {
	r := Readiness{TotalCount: len(participants)}
	for _, p := range participants {
		if p.FullyReady() {
			r.ReadyCount++
		}
	}
	r.AllReady = r.TotalCount >= MinReadyParticipants && r.ReadyCount == r.TotalCount
	return r
}
