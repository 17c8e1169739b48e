package control

// RunState tracks the lifecycle of a Loop. Transitions are monotonic: a loop
// moves forward through setup into Running and then through ShuttingDown into
// one of the terminal states. Teardown is never skipped while live resources
// exist.
type RunState int32

const (
	StateIdle RunState = iota
	StateSettingUpSource
	StateSettingUpActuator
	StateRunning
	StateShuttingDown
	StateStopped
	StateFailed
)

// String returns a human-readable state name.
func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSettingUpSource:
		return "setting-up-source"
	case StateSettingUpActuator:
		return "setting-up-actuator"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is one of the two end states.
func (s RunState) Terminal() bool {
	return s == StateStopped || s == StateFailed
}
