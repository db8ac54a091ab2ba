package loop

import "fmt"

// State of the capture loop.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateAwaitingSource
	StateAwaitingValidRegion
	StateStopped
)

var stateNames = map[State]string{
	StateStarting:            "STARTING",
	StateRunning:             "RUNNING",
	StateAwaitingSource:      "AWAITING_SOURCE",
	StateAwaitingValidRegion: "AWAITING_VALID_REGION",
	StateStopped:             "STOPPED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// MarshalText renders the state name in JSON and YAML output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Publishing reports whether frames flow in this state.
func (s State) Publishing() bool {
	return s == StateRunning
}
