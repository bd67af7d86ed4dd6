package session

import (
	"time"

	"github.com/6ccg/ovpncore/internal/authenticator"
	"github.com/6ccg/ovpncore/internal/datapath"
	"github.com/6ccg/ovpncore/internal/model"
)

const (
	// DefaultTransitionWindow is how long a retired key keeps decrypting
	// after its successor took over (OpenVPN's --transition-window).
	DefaultTransitionWindow = 60 * time.Second
)

// keyState is the negotiation phase of a key. Handles that only exist in a
// given phase live in the corresponding variant.
type keyState interface {
	negotiationState() model.NegotiationState
}

// invalidState is a key that did not start negotiating.
type invalidState struct{}

// hardResetState is a key waiting for HARD_RESET_SERVER_V2.
type hardResetState struct{}

// softResetState is a key waiting for the peer SOFT_RESET_V1.
type softResetState struct{}

// tlsState is a key running the TLS handshake and the authentication. The
// authenticator is nil until the handshake completed.
type tlsState struct {
	tls  model.TLSEngine
	auth *authenticator.Authenticator
}

// connectedState is a key with data channel keys in place.
type connectedState struct {
	tls  model.TLSEngine
	auth *authenticator.Authenticator
	data *datapath.DataPath
}

func (invalidState) negotiationState() model.NegotiationState {
	return model.S_INVALID
}

func (hardResetState) negotiationState() model.NegotiationState {
	return model.S_HARD_RESET
}

func (softResetState) negotiationState() model.NegotiationState {
	return model.S_SOFT_RESET
}

func (*tlsState) negotiationState() model.NegotiationState {
	return model.S_TLS
}

func (*connectedState) negotiationState() model.NegotiationState {
	return model.S_CONNECTED
}

// sessionKey is the state of one key exchange epoch.
type sessionKey struct {
	// id is the 3-bit key id used in packet headers.
	id uint8

	// state is the negotiation phase with its handles.
	state keyState

	// controlState is the sub-state after the TLS handshake.
	controlState model.ControlState

	// softReset is true for keys negotiated after the first one.
	softReset bool

	// startedAt is when negotiation started.
	startedAt time.Time

	// establishedAt is when the key got connected.
	establishedAt time.Time

	// mustDie is when a retired key stops decrypting. Zero while the key is in use.
	mustDie time.Time

	// bytesIn and bytesOut count the data packet bytes handled with this key.
	bytesIn  uint64
	bytesOut uint64
}

// newSessionKey returns a key starting negotiation at now.
func newSessionKey(id uint8, softReset bool, now time.Time) *sessionKey {
	return &sessionKey{
		id:           id & model.KeyIDMask,
		state:        invalidState{},
		controlState: model.C_PRE_AUTH,
		softReset:    softReset,
		startedAt:    now,
	}
}

// transition moves the key to next and logs the change.
func (k *sessionKey) transition(logger model.Logger, next keyState) {
	logger.Infof("[@] key %d: %s -> %s", k.id, k.state.negotiationState(), next.negotiationState())
	k.state = next
}

// negotiationState returns the current phase.
func (k *sessionKey) negotiationState() model.NegotiationState {
	return k.state.negotiationState()
}

// tls returns the TLS engine, if the key has one.
func (k *sessionKey) tls() (model.TLSEngine, bool) {
	switch s := k.state.(type) {
	case *tlsState:
		return s.tls, true
	case *connectedState:
		return s.tls, true
	default:
		return nil, false
	}
}

// authenticator returns the authenticator, if the TLS handshake completed.
func (k *sessionKey) authenticator() (*authenticator.Authenticator, bool) {
	switch s := k.state.(type) {
	case *tlsState:
		return s.auth, s.auth != nil
	case *connectedState:
		return s.auth, s.auth != nil
	default:
		return nil, false
	}
}

// dataPath returns the data path of a connected key.
func (k *sessionKey) dataPath() (*datapath.DataPath, bool) {
	if s, ok := k.state.(*connectedState); ok {
		return s.data, true
	}
	return nil, false
}

// isConnected returns whether the key can move data.
func (k *sessionKey) isConnected() bool {
	_, ok := k.state.(*connectedState)
	return ok
}

// isNegotiationTimedOut returns whether a key still negotiating exceeded window.
func (k *sessionKey) isNegotiationTimedOut(now time.Time, window time.Duration) bool {
	if k.isConnected() {
		return false
	}
	return now.Sub(k.startedAt) > window
}

// isExpired returns whether a retired key passed its deadline.
func (k *sessionKey) isExpired(now time.Time) bool {
	if k.mustDie.IsZero() {
		return false
	}
	return now.After(k.mustDie)
}

// packets returns the data packets decrypted and encrypted with this key.
func (k *sessionKey) packets() (in, out uint64) {
	if dp, ok := k.dataPath(); ok {
		return dp.Stats()
	}
	return 0, 0
}

// close releases the handles and leaves the key invalid.
func (k *sessionKey) close() {
	if auth, ok := k.authenticator(); ok {
		auth.Reset()
	}
	if tls, ok := k.tls(); ok {
		tls.Close()
	}
	k.state = invalidState{}
}

// nextKeyID returns the key id following id. Zero is only used by hard resets.
func nextKeyID(id uint8) uint8 {
	next := (id + 1) & model.KeyIDMask
	if next == 0 {
		next = 1
	}
	return next
}
