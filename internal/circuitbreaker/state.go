package circuitbreaker

type State int

const (
	// calls pass through
	StateClosed State = iota
	// calls fail fast with ErrOpen
	StateOpen
	// a trial call is let through to probe recovery
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
