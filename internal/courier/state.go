package courier

// State 轮询器生命周期状态
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateStopping
	StateStopped
)

var stateNames = [...]string{
	StateNotStarted: "not_started",
	StateRunning:    "running",
	StateStopping:   "stopping",
	StateStopped:    "stopped",
}

// String 状态名称
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
