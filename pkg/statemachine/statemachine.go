// Package statemachine validates the environment lifecycle transitions
// from spec §3: Defined -> Built, Built <-> Running, Built -> Frozen,
// {Built,Frozen} -> Archived, Destroy from any non-Running state.
package statemachine

import (
	"fmt"

	"github.com/marcoallegretti/karapace/pkg/store/metadata"
)

// InvalidStateTransition is raised when a caller asks for a transition
// the state machine does not permit.
type InvalidStateTransition struct {
	From metadata.State
	To   metadata.State
}

func (e *InvalidStateTransition) Error() string {
	return fmt.Sprintf("statemachine: invalid transition %s -> %s", e.From, e.To)
}

// allowed is the transition table. Destroy is handled separately,
// since it is valid from any state except Running and has no single
// "To" state (the record is removed).
var allowed = map[metadata.State]map[metadata.State]bool{
	metadata.Defined: {
		metadata.Built: true,
	},
	metadata.Built: {
		metadata.Running:  true,
		metadata.Frozen:   true,
		metadata.Archived: true,
	},
	metadata.Running: {
		metadata.Built: true,
	},
	metadata.Frozen: {
		metadata.Archived: true,
	},
	metadata.Archived: {},
}

// Validate checks whether from -> to is a permitted transition.
func Validate(from, to metadata.State) error {
	if allowed[from][to] {
		return nil
	}
	return &InvalidStateTransition{From: from, To: to}
}

// CanDestroy reports whether destroy is permitted from state s: any
// state other than Running.
func CanDestroy(s metadata.State) bool {
	return s != metadata.Running
}
