// Package propagation decides how a unit of work interacts with the ambient
// transaction and runs it with exception-safe cleanup.
//
// Six modes are supported, each with a value-returning generic entry point
// (Mandatory, Never, NotSupported, Required, RequiresNew, Supports) and a
// matching method on *Engine for callbacks that only return an error:
//
//	mandatory      join the ambient transaction, fail if there is none
//	never          run without a transaction, fail if one exists
//	not_supported  run without a transaction, suspending the ambient one
//	required       join the ambient transaction or begin a new one
//	requires_new   always begin a new transaction, suspending the ambient one
//	supports       join the ambient transaction if there is one
//
// Resolve holds the decision table; Engine executes it against a tx.Manager.
package propagation

import (
	"fmt"
	"strings"
)

// Mode selects how a call interacts with the ambient transaction.
type Mode int

const (
	ModeMandatory Mode = iota + 1
	ModeNever
	ModeNotSupported
	ModeRequired
	ModeRequiresNew
	ModeSupports
)

var modeNames = map[Mode]string{
	ModeMandatory:    "mandatory",
	ModeNever:        "never",
	ModeNotSupported: "not_supported",
	ModeRequired:     "required",
	ModeRequiresNew:  "requires_new",
	ModeSupports:     "supports",
}

// Modes returns all propagation modes in declaration order.
func Modes() []Mode {
	return []Mode{ModeMandatory, ModeNever, ModeNotSupported, ModeRequired, ModeRequiresNew, ModeSupports}
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Valid reports whether m is one of the six modes.
func (m Mode) Valid() bool {
	_, ok := modeNames[m]
	return ok
}

// ParseMode parses a mode name. Matching is case-insensitive and accepts
// "-" in place of "_" ("requires-new", "REQUIRES_NEW").
func ParseMode(s string) (Mode, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for mode, name := range modeNames {
		if name == normalized {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("%w %q", ErrInvalidMode, s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMode, int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
