package transport

// Status tracks the lifecycle of a transport's subprocess.
type Status uint32

const (
	StatusStarting Status = iota
	StatusReady
	StatusActive
	StatusWaiting
	StatusError
	StatusStopped
	StatusCrashed
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusReady:
		return "ready"
	case StatusActive:
		return "active"
	case StatusWaiting:
		return "waiting"
	case StatusError:
		return "error"
	case StatusStopped:
		return "stopped"
	case StatusCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final: no further requests are
// possible without a restart.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusCrashed
}
