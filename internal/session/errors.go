package session

import "errors"

var (
	// ErrNegotiationTimeout means a key did not reach the connected state in time.
	ErrNegotiationTimeout = errors.New("session: negotiation timeout")

	// ErrHardResetTimeout means the server never answered our hard reset.
	ErrHardResetTimeout = errors.New("session: hard reset timeout")

	// ErrBadCredentials means the server sent AUTH_FAILED.
	ErrBadCredentials = errors.New("session: bad credentials")

	// ErrServerRestart means the server asked us to restart.
	ErrServerRestart = errors.New("session: server restart")

	// ErrServerShutdown means the server is going away.
	ErrServerShutdown = errors.New("session: server shutdown")

	// ErrServerCompression means the server compresses data packets.
	ErrServerCompression = errors.New("session: server compression is unsupported")

	// ErrNoRouting means the PUSH_REPLY carries neither IPv4 nor IPv6 settings.
	ErrNoRouting = errors.New("session: no routing information pushed")

	// ErrBadPushReply means the PUSH_REPLY cannot be parsed.
	ErrBadPushReply = errors.New("session: bad push reply")

	// ErrPingTimeout means we did not hear from the server for too long.
	ErrPingTimeout = errors.New("session: ping timeout")

	// ErrLinkWrite means the link failed to write packets.
	ErrLinkWrite = errors.New("session: link write failure")

	// ErrLinkRead means the link stopped delivering packets.
	ErrLinkRead = errors.New("session: link read failure")

	// ErrTLSFailure means the TLS engine failed.
	ErrTLSFailure = errors.New("session: TLS failure")

	// ErrUnknownKeyID means a data packet arrived for a key we do not have.
	ErrUnknownKeyID = errors.New("session: unknown key id")

	// ErrRebindUnsupported is returned by [Session.Rebind].
	ErrRebindUnsupported = errors.New("session: link rebinding is unsupported")

	// ErrSessionRunning is returned by [Session.Start] on a running session.
	ErrSessionRunning = errors.New("session: already running")

	// ErrSessionClosed is returned by [Session.Start] after [Session.Close].
	ErrSessionClosed = errors.New("session: closed")
)

// StopMethod tells the delegate what to do after a session stopped.
type StopMethod int

const (
	// StopShutdown means the session gave up.
	StopShutdown = StopMethod(iota)

	// StopReconnect means the host should start the session again.
	StopReconnect
)

// String implements fmt.Stringer.
func (m StopMethod) String() string {
	switch m {
	case StopShutdown:
		return "shutdown"
	case StopReconnect:
		return "reconnect"
	default:
		return "unknown"
	}
}
