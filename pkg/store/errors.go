package store

import "errors"

// Sentinel errors returned by store operations. Callers classify them with
// errors.Is; the service layer maps them onto the HTTP error taxonomy.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLeaseLost indicates a mutation was attempted by a worker that no
	// longer holds a live lease on the execution.
	ErrLeaseLost = errors.New("execution lease lost")

	// ErrTerminal indicates a state transition was attempted on an
	// execution that has already reached a terminal status.
	ErrTerminal = errors.New("execution already terminal")

	// ErrTerminalEvent indicates an event append was attempted after the
	// execution's stream was sealed by a terminal event.
	ErrTerminalEvent = errors.New("event stream already sealed by terminal event")

	// ErrDuplicateTask indicates a queued or running execution already
	// exists for the task.
	ErrDuplicateTask = errors.New("task already has an active execution")
)
