package agent

import "fmt"

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusIdle         Status = "idle"
	StatusBusy         Status = "busy"
	StatusError        Status = "error"
	StatusOffline      Status = "offline"
	StatusMaintenance  Status = "maintenance"
)

// validTransitions defines allowed state transitions. Offline is terminal;
// Error is cleared only by a fresh initialization. Maintenance is entered
// from Idle by an operator and never exited automatically.
var validTransitions = map[Status][]Status{
	StatusInitializing: {StatusIdle, StatusError, StatusOffline},
	StatusIdle:         {StatusBusy, StatusMaintenance, StatusError, StatusOffline},
	StatusBusy:         {StatusIdle, StatusError, StatusOffline},
	StatusMaintenance:  {StatusIdle, StatusOffline},
	StatusError:        {StatusInitializing, StatusOffline},
}

// Transition validates and returns nil if from→to is a legal transition.
func Transition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q → %q", from, to)
}
