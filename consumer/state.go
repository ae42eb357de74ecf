package consumer

type State int32

const (
	Created State = iota
	Started
	Stopped
	FailedToStart
	MessageHandlingFailed
	Failed
)

var stateNames = [...]string{
	Created:               "CREATED",
	Started:               "STARTED",
	Stopped:               "STOPPED",
	FailedToStart:         "FAILED_TO_START",
	MessageHandlingFailed: "MESSAGE_HANDLING_FAILED",
	Failed:                "FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal reports whether the subscriber can no longer change state.
func (s State) Terminal() bool {
	return s >= Stopped
}
