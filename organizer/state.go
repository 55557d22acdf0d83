package organizer

// State is the facade's view of the worker lifecycle.
type State int

const (
	// StateUninstalled means the worker binary has not been confirmed present.
	StateUninstalled State = iota

	// StateNotRunning means the worker is installed but no process is live.
	StateNotRunning

	// StateStarting means a caller is bringing a worker up.
	StateStarting

	// StateRunning means a live worker is accepting requests.
	StateRunning

	// StateStopping means Shutdown is tearing the worker down.
	StateStopping

	// StateShutdown means Shutdown has completed. It is terminal.
	StateShutdown
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateNotRunning:
		return "not running"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateShutdown:
		return "shut down"
	default:
		return "unknown"
	}
}
