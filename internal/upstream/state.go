package upstream

// State is the lifecycle of a cluster session.
type State int

const (
	Unauthenticated State = iota
	Authenticating
	Active
	Expiring
	Invalidated
	Disabled
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Active:
		return "active"
	case Expiring:
		return "expiring"
	case Invalidated:
		return "invalidated"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
