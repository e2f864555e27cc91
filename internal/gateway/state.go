package gateway

// State is the lifecycle state of the control connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	// Closing is held only while Stop tears resources down.
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// setStateLocked records a transition and wakes every waiter. g.mu must be held.
func (g *Gateway) setStateLocked(s State) {
	if g.state == s {
		return
	}
	g.state = s
	close(g.stateChanged)
	g.stateChanged = make(chan struct{})
}

// transition applies s unless Stop has already taken ownership of the state.
func (g *Gateway) transition(s State) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return false
	}
	g.setStateLocked(s)
	return true
}
