package tx

// Status is the state of the transaction associated with a context.
type Status int

const (
	StatusNoTransaction Status = iota
	StatusActive
	StatusMarkedRollback
	StatusPreparing
	StatusCommitted
	StatusRolledBack
	StatusUnknown
)

var statusNames = map[Status]string{
	StatusNoTransaction:  "no_transaction",
	StatusActive:         "active",
	StatusMarkedRollback: "marked_rollback",
	StatusPreparing:      "preparing",
	StatusCommitted:      "committed",
	StatusRolledBack:     "rolled_back",
	StatusUnknown:        "unknown",
}

// String returns the snake_case name used in logs and API responses.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Associated reports whether a transaction is attached that must be detached
// before another one can begin.
func (s Status) Associated() bool {
	return s == StatusActive || s == StatusMarkedRollback
}
