package propagation

import (
	"fmt"
	"slices"

	"propagator/internal/core/tx"
)

// Action is a transaction manager primitive performed by the engine.
type Action int

const (
	ActionSuspend Action = iota + 1
	ActionBegin
	ActionCommit
	ActionRollback
	ActionSetRollbackOnly
	ActionResume
)

var actionNames = map[Action]string{
	ActionSuspend:         "suspend",
	ActionBegin:           "begin",
	ActionCommit:          "commit",
	ActionRollback:        "rollback",
	ActionSetRollbackOnly: "set_rollback_only",
	ActionResume:          "resume",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "unknown"
}

type beginRule int

const (
	beginNever beginRule = iota
	beginIfNone
	beginAlways
)

// rule is one row of the propagation table.
type rule struct {
	allowed    []tx.Status // empty means any status
	suspend    bool        // detach an associated ambient transaction first
	begin      beginRule
	markJoined bool // on failure, mark a joined ambient transaction rollback-only
}

var table = map[Mode]rule{
	ModeMandatory: {
		allowed:    []tx.Status{tx.StatusActive},
		markJoined: true,
	},
	ModeNever: {
		allowed: []tx.Status{tx.StatusNoTransaction},
	},
	ModeNotSupported: {
		allowed: []tx.Status{tx.StatusActive, tx.StatusNoTransaction},
		suspend: true,
	},
	ModeRequired: {
		allowed:    []tx.Status{tx.StatusActive, tx.StatusNoTransaction},
		begin:      beginIfNone,
		markJoined: true,
	},
	ModeRequiresNew: {
		suspend: true,
		begin:   beginAlways,
	},
	ModeSupports: {
		allowed:    []tx.Status{tx.StatusActive, tx.StatusNoTransaction},
		markJoined: true,
	},
}

// Plan is the resolved decision for one invocation: what to do before the
// callback and what to do after it, for each outcome. Actions run in order.
type Plan struct {
	Mode   Mode
	Status tx.Status

	Suspend bool
	Begin   bool

	OnSuccess []Action
	OnFailure []Action
}

// PreActions returns the actions executed before the callback, in order.
func (p Plan) PreActions() []Action {
	var actions []Action
	if p.Suspend {
		actions = append(actions, ActionSuspend)
	}
	if p.Begin {
		actions = append(actions, ActionBegin)
	}
	return actions
}

// Precondition returns the statuses under which mode may be invoked.
// A nil result means any status is accepted.
func Precondition(mode Mode) []tx.Status {
	r, ok := table[mode]
	if !ok {
		return nil
	}
	return slices.Clone(r.allowed)
}

// Resolve maps a mode and the observed ambient status to a Plan. It is pure:
// the same inputs always give the same plan. A violated precondition yields a
// *PreconditionError; a mode outside the defined set yields ErrInvalidMode.
func Resolve(mode Mode, status tx.Status) (Plan, error) {
	r, ok := table[mode]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %d", ErrInvalidMode, int(mode))
	}

	if len(r.allowed) > 0 && !slices.Contains(r.allowed, status) {
		return Plan{}, &PreconditionError{Mode: mode, Status: status}
	}

	p := Plan{
		Mode:    mode,
		Status:  status,
		Suspend: r.suspend && status.Associated(),
		Begin:   r.begin == beginAlways || (r.begin == beginIfNone && status == tx.StatusNoTransaction),
	}

	joined := !p.Suspend && !p.Begin && status == tx.StatusActive

	if p.Begin {
		p.OnSuccess = append(p.OnSuccess, ActionCommit)
		p.OnFailure = append(p.OnFailure, ActionRollback)
	} else if joined && r.markJoined {
		p.OnFailure = append(p.OnFailure, ActionSetRollbackOnly)
	}

	// Resume always runs last.
	if p.Suspend {
		p.OnSuccess = append(p.OnSuccess, ActionResume)
		p.OnFailure = append(p.OnFailure, ActionResume)
	}

	return p, nil
}
