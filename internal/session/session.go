// Package session implements the OpenVPN client state machine. A [Session]
// drives the hard and soft resets, pumps the TLS handshake through the
// control channel, authenticates, waits for the pushed configuration and
// then moves packets between the link and the tunnel.
//
// All the session state is owned by a single executor goroutine. Link and
// tunnel callbacks, timers and write completions post tasks to it.
package session

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/6ccg/ovpncore/internal/controlchannel"
	"github.com/6ccg/ovpncore/internal/model"
	"github.com/6ccg/ovpncore/internal/prng"
	"github.com/6ccg/ovpncore/internal/runtimex"
	"github.com/6ccg/ovpncore/internal/tlssession"
	"github.com/6ccg/ovpncore/pkg/config"
)

// canRebindLink gates [Session.Rebind].
const canRebindLink = false

// Delegate receives the session lifecycle events. The methods run on the
// session executor: they must not block and must not call [Session.Close].
type Delegate interface {
	// SessionDidStart is called once the server pushed its configuration.
	SessionDidStart(s *Session, remoteAddress string, options *config.PushReply)

	// SessionDidStop is called exactly once per [Session.Start].
	SessionDidStop(s *Session, err error, shouldReconnect bool)
}

// TLSFactory creates the TLS engine of a key. The engine calls notify
// whenever it has something to pump.
type TLSFactory func(logger model.Logger, options *config.OpenVPNOptions, notify func()) (model.TLSEngine, error)

// defaultTLSFactory returns a [tlssession.Engine].
func defaultTLSFactory(logger model.Logger, options *config.OpenVPNOptions, notify func()) (model.TLSEngine, error) {
	engine, err := tlssession.New(logger, options, notify)
	if err != nil {
		return nil, err
	}
	return engine, nil
}

// Timeouts are the timers of the state machine.
type Timeouts struct {
	// HardReset bounds the wait for HARD_RESET_SERVER_V2. Exceeding it reconnects.
	HardReset time.Duration

	// Negotiation bounds the first key negotiation. Exceeding it shuts down.
	Negotiation time.Duration

	// SoftNegotiation bounds renegotiations.
	SoftNegotiation time.Duration

	// PushRequest is the interval between two PUSH_REQUEST.
	PushRequest time.Duration

	// Tick is the period of the retransmission and timeout checks.
	Tick time.Duration

	// TransitionWindow is how long a retired key keeps decrypting.
	TransitionWindow time.Duration
}

// DefaultTimeouts returns the protocol defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		HardReset:        10 * time.Second,
		Negotiation:      30 * time.Second,
		SoftNegotiation:  120 * time.Second,
		PushRequest:      2 * time.Second,
		Tick:             controlchannel.DefaultRetransmissionLimit,
		TransitionWindow: DefaultTransitionWindow,
	}
}

// Option configures a [Session].
type Option func(s *Session)

// WithTLSFactory replaces the TLS engine.
func WithTLSFactory(factory TLSFactory) Option {
	return func(s *Session) {
		s.newTLS = factory
	}
}

// WithTimeouts replaces the [DefaultTimeouts].
func WithTimeouts(timeouts Timeouts) Option {
	return func(s *Session) {
		s.timeouts = timeouts
	}
}

// Session is an OpenVPN client session. Use [New] to construct.
type Session struct {
	logger      model.Logger
	options     *config.OpenVPNOptions
	rng         *prng.PRNG
	delegate    Delegate
	newTLS      TLSFactory
	timeouts    Timeouts
	exec        *executor
	dropLimiter *rate.Limiter

	// The fields below are only touched by the executor.

	// generation changes on every start and stop; stale callbacks compare it.
	generation uint64

	link    model.Link
	tunnel  model.Tunnel
	control *controlchannel.Channel

	// negotiated starts as a copy of options and absorbs the PUSH_REPLY.
	negotiated *config.OpenVPNOptions
	pushReply  *config.PushReply

	keys        map[uint8]*sessionKey
	current     *sessionKey
	negotiating *sessionKey
	lameDuck    *sessionKey
	lastKeyID   uint8

	// withLocalOptions is cleared by the first AUTH_FAILED and survives reconnections.
	withLocalOptions bool

	isStopping      bool
	isRenegotiating bool
	didStart        bool
	lastInbound     time.Time

	pendingAcks   map[uint8][]model.PacketID
	pendingTunnel [][]byte

	ticker    *time.Timer
	pinger    *time.Timer
	pushTimer *time.Timer

	// mu guards the fields read from other goroutines.
	mu           sync.Mutex
	running      bool
	closed       bool
	bytesIn      uint64
	bytesOut     uint64
	serverConfig *config.PushReply
}

// New returns a [Session] for the configured options. The rng must come
// from [prng.Init], called once before creating sessions.
func New(cfg *config.Config, rng *prng.PRNG, delegate Delegate, opts ...Option) (*Session, error) {
	runtimex.Assert(rng != nil, "session: nil rng")
	runtimex.Assert(delegate != nil, "session: nil delegate")

	options := cfg.OpenVPNOptions().Clone()
	security, err := options.ControlChannelSecurity()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger()
	s := &Session{
		logger:           logger,
		options:          options,
		rng:              rng,
		delegate:         delegate,
		newTLS:           defaultTLSFactory,
		timeouts:         DefaultTimeouts(),
		dropLimiter:      rate.NewLimiter(rate.Every(time.Second), 5),
		control:          controlchannel.New(logger, security, rng),
		keys:             make(map[uint8]*sessionKey),
		withLocalOptions: true,
		pendingAcks:      make(map[uint8][]model.PacketID),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.exec = newExecutor(logger)
	return s, nil
}

// Start begins a hard reset over link. Decrypted packets go to tunnel.
// After [Delegate.SessionDidStop] the session can be started again.
func (s *Session) Start(link model.Link, tunnel model.Tunnel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.running {
		return ErrSessionRunning
	}
	s.running = true
	s.exec.post(func() {
		s.start(link, tunnel)
	})
	return nil
}

// Shutdown stops the session without asking to reconnect.
func (s *Session) Shutdown(err error) {
	s.exec.post(func() {
		if s.link != nil {
			s.deferStop(StopShutdown, err)
		}
	})
}

// Reconnect stops the session asking the host to start it again.
func (s *Session) Reconnect(err error) {
	s.exec.post(func() {
		if s.link != nil {
			s.deferStop(StopReconnect, err)
		}
	})
}

// Rebind moves a running session to a new link.
func (s *Session) Rebind(link model.Link) error {
	if !canRebindLink {
		return ErrRebindUnsupported
	}
	s.exec.post(func() {
		if s.link == nil || s.isStopping {
			link.Close()
			return
		}
		old := s.link
		s.link = link
		s.installLinkHandler(link)
		old.Close()
	})
	return nil
}

// DataCount returns the data channel bytes received and sent.
func (s *Session) DataCount() (in, out uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesIn, s.bytesOut
}

// ServerConfiguration returns the configuration pushed by the server, or
// nil when the session is not connected.
func (s *Session) ServerConfiguration() *config.PushReply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverConfig
}

// Close stops the session without an exit notification and releases the
// executor. It must not be called from a [Delegate] method.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	s.exec.post(func() {
		defer close(done)
		if s.link != nil {
			s.isStopping = true
			s.finishStop(StopShutdown, nil)
		}
	})
	<-done
	s.exec.close()
	return nil
}

func (s *Session) start(link model.Link, tunnel model.Tunnel) {
	s.generation++
	s.link = link
	s.tunnel = tunnel
	s.isStopping = false
	s.isRenegotiating = false
	s.didStart = false
	s.negotiated = s.options.Clone()
	s.pushReply = nil
	s.lastInbound = time.Now()

	gen := s.generation
	s.installLinkHandler(link)
	tunnel.SetReadHandler(func(packets [][]byte, err error) {
		s.exec.post(func() {
			s.onTunnelRead(gen, packets, err)
		})
	})
	s.logger.Infof("session: starting with %s (local options: %v)", link.RemoteAddress(), s.withLocalOptions)
	s.hardReset()
	s.scheduleTick(gen)
}

func (s *Session) installLinkHandler(link model.Link) {
	gen := s.generation
	link.SetReadHandler(func(packets [][]byte, err error) {
		s.exec.post(func() {
			if s.link != link {
				return
			}
			s.onLinkRead(gen, packets, err)
		})
	})
}

// deferStop is the single way out of a running session. Only the first
// call has an effect.
func (s *Session) deferStop(method StopMethod, err error) {
	if s.isStopping {
		return
	}
	s.isStopping = true
	if err != nil {
		s.logger.Warnf("session: %s: %s", method, err.Error())
	} else {
		s.logger.Infof("session: %s", method)
	}
	s.stopTimers()

	if s.link != nil && !s.link.IsReliable() && s.current != nil {
		if dp, ok := s.current.dataPath(); ok {
			packet, perr := dp.EncryptExitNotification()
			if perr == nil {
				gen := s.generation
				s.link.WritePackets([][]byte{packet}, func(error) {
					s.exec.post(func() {
						if gen == s.generation {
							s.finishStop(method, err)
						}
					})
				})
				return
			}
		}
	}
	s.finishStop(method, err)
}

// finishStop releases everything bound to the current start and tells the
// delegate.
func (s *Session) finishStop(method StopMethod, err error) {
	if s.link == nil {
		return
	}
	s.stopTimers()
	for _, key := range s.keys {
		key.close()
	}
	clear(s.keys)
	clear(s.pendingAcks)
	s.current, s.negotiating, s.lameDuck = nil, nil, nil
	s.pendingTunnel = nil

	s.link.Close()
	s.link = nil
	if s.tunnel != nil && !s.tunnel.IsPersistent() {
		s.tunnel.Close()
	}
	s.tunnel = nil
	s.generation++

	s.mu.Lock()
	s.running = false
	s.serverConfig = nil
	s.mu.Unlock()

	s.delegate.SessionDidStop(s, err, method == StopReconnect)
}

func (s *Session) stopTimers() {
	for _, t := range []**time.Timer{&s.ticker, &s.pinger, &s.pushTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

// addDataCount updates the counters read by [Session.DataCount].
func (s *Session) addDataCount(in, out int) {
	s.mu.Lock()
	s.bytesIn += uint64(in)
	s.bytesOut += uint64(out)
	s.mu.Unlock()
}

// discardKey closes key and forgets it.
func (s *Session) discardKey(key *sessionKey) {
	key.close()
	if s.keys[key.id] == key {
		delete(s.keys, key.id)
	}
	s.logger.Debugf("session: key %d discarded", key.id)
}
