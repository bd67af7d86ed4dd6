package model

// NegotiationState is the negotiation phase of a single key.
type NegotiationState int

const (
	// S_INVALID is the state of a key that has not started negotiating.
	S_INVALID = NegotiationState(iota)

	// S_HARD_RESET means we sent P_CONTROL_HARD_RESET_CLIENT_V2 and wait for the server.
	S_HARD_RESET

	// S_SOFT_RESET means we sent (or received) P_CONTROL_SOFT_RESET_V1.
	S_SOFT_RESET

	// S_TLS means the TLS handshake and the authentication are in progress.
	S_TLS

	// S_CONNECTED means the data channel keys for this key id are in place.
	S_CONNECTED
)

// String maps a [NegotiationState] to a string.
func (sns NegotiationState) String() string {
	switch sns {
	case S_INVALID:
		return "S_INVALID"
	case S_HARD_RESET:
		return "S_HARD_RESET"
	case S_SOFT_RESET:
		return "S_SOFT_RESET"
	case S_TLS:
		return "S_TLS"
	case S_CONNECTED:
		return "S_CONNECTED"
	default:
		return "S_UNKNOWN"
	}
}

// ControlState is the sub-state of the control plane after the TLS handshake.
type ControlState int

const (
	// C_PRE_AUTH means we still have to send (or see the reply to) our auth blob.
	C_PRE_AUTH = ControlState(iota)

	// C_PRE_IFCONFIG means we are waiting for a PUSH_REPLY.
	C_PRE_IFCONFIG

	// C_CONNECTED means the server pushed its configuration.
	C_CONNECTED
)

// String maps a [ControlState] to a string.
func (cs ControlState) String() string {
	switch cs {
	case C_PRE_AUTH:
		return "C_PRE_AUTH"
	case C_PRE_IFCONFIG:
		return "C_PRE_IFCONFIG"
	case C_CONNECTED:
		return "C_CONNECTED"
	default:
		return "C_UNKNOWN"
	}
}
