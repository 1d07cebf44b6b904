// Package conn implements the connection driver of spec.md §4.6/§4.8: it
// owns the three long-lived tasks (send, receive, dispatch), the
// New→Open→Draining→Closed lifecycle, and the initialisation-handshake
// ready future, wiring together frame, receive, correlate, schedule,
// registry and router into a single protocol-agnostic Connection.
package conn

// State is a Connection's lifecycle stage.
type State uint8

const (
	// StateNew is the state before Connect: no loops running yet.
	StateNew State = iota
	// StateOpen is the state after Connect: all three loops running.
	StateOpen
	// StateDraining is the state while Disconnect runs: no new inbound
	// work is accepted, the outgoing queue may still be flushing, and the
	// root source is then cancelled and the loops joined.
	StateDraining
	// StateClosed is the terminal state: all loops joined, every
	// PendingRequest settled.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
