// Package tunnel runs an OpenVPN session over a TUN device, reconnecting
// when the session asks for it.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/6ccg/ovpncore/internal/model"
	"github.com/6ccg/ovpncore/internal/networkio"
	"github.com/6ccg/ovpncore/internal/prng"
	"github.com/6ccg/ovpncore/internal/session"
	"github.com/6ccg/ovpncore/pkg/config"
)

const (
	// DefaultMaxRetries is the number of reconnections without a
	// successful start before giving up.
	DefaultMaxRetries = 5

	// DefaultRetryDelay is the pause before reconnecting.
	DefaultRetryDelay = 2 * time.Second
)

// ErrRetriesExhausted is returned when the session keeps failing to start.
var ErrRetriesExhausted = errors.New("tunnel: too many reconnections")

// StartFunc is called when a session got its configuration from the server.
type StartFunc func(remote string, reply *config.PushReply)

// Driver dials the remotes and drives a session until it stops for good.
type Driver struct {
	cfg         *config.Config
	logger      model.Logger
	tunnel      model.Tunnel
	dialer      networkio.Dialer
	maxRetries  int
	retryDelay  time.Duration
	statsEvery  time.Duration
	onStart     StartFunc
	sessionOpts []session.Option

	started atomic.Bool
	stops   chan stopEvent
}

type stopEvent struct {
	err       error
	reconnect bool
}

// Option configures a [Driver].
type Option func(d *Driver)

// WithDialer replaces the [net.Dialer] used to reach the remotes.
func WithDialer(dialer networkio.Dialer) Option {
	return func(d *Driver) {
		d.dialer = dialer
	}
}

// WithRetries sets the reconnection budget and the delay between attempts.
func WithRetries(maxRetries int, delay time.Duration) Option {
	return func(d *Driver) {
		d.maxRetries = maxRetries
		d.retryDelay = delay
	}
}

// WithStatsInterval logs the data counters every interval.
func WithStatsInterval(interval time.Duration) Option {
	return func(d *Driver) {
		d.statsEvery = interval
	}
}

// WithOnStart registers a callback for every successful start.
func WithOnStart(fn StartFunc) Option {
	return func(d *Driver) {
		d.onStart = fn
	}
}

// WithSessionOptions passes options to the session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(d *Driver) {
		d.sessionOpts = append(d.sessionOpts, opts...)
	}
}

// NewDriver returns a driver writing decrypted packets to tunnel.
func NewDriver(cfg *config.Config, tunnel model.Tunnel, opts ...Option) *Driver {
	d := &Driver{
		cfg:        cfg,
		logger:     cfg.Logger(),
		tunnel:     tunnel,
		dialer:     &net.Dialer{},
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		stops:      make(chan stopEvent, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ session.Delegate = &Driver{}

// SessionDidStart implements session.Delegate.
func (d *Driver) SessionDidStart(_ *session.Session, remote string, reply *config.PushReply) {
	d.started.Store(true)
	if reply != nil && reply.IPv4 != nil {
		d.logger.Infof("tunnel: connected to %s, address %s", remote, reply.IPv4.Address)
	} else {
		d.logger.Infof("tunnel: connected to %s", remote)
	}
	if d.onStart != nil {
		d.onStart(remote, reply)
	}
}

// SessionDidStop implements session.Delegate.
func (d *Driver) SessionDidStop(_ *session.Session, err error, shouldReconnect bool) {
	d.stops <- stopEvent{err: err, reconnect: shouldReconnect}
}

// Run drives the session until ctx is done or the session stops without
// asking to reconnect. Cancelling ctx is a clean shutdown and returns nil.
func (d *Driver) Run(ctx context.Context) error {
	options := d.cfg.OpenVPNOptions()
	if err := options.Validate(); err != nil {
		return err
	}
	rng, err := prng.Init()
	if err != nil {
		return err
	}
	sess, err := session.New(d.cfg, rng, d, d.sessionOpts...)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return d.loop(ctx, sess, options.Remotes)
	})
	if d.statsEvery > 0 {
		g.Go(func() error {
			d.logStats(ctx, sess)
			return nil
		})
	}
	return g.Wait()
}

func (d *Driver) loop(ctx context.Context, sess *session.Session, remotes []config.Endpoint) error {
	var retries int
	for attempt := 0; ; attempt++ {
		endpoint := remotes[attempt%len(remotes)]
		d.started.Store(false)
		ev, err := d.runOnce(ctx, sess, endpoint)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			if !ev.reconnect {
				return ev.err
			}
			err = ev.err
		}
		if d.started.Load() {
			retries = 0
		}
		retries++
		if retries > d.maxRetries {
			return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}
		d.logger.Warnf("tunnel: reconnecting in %s (%d/%d): %v", d.retryDelay, retries, d.maxRetries, err)
		timer := time.NewTimer(d.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// runOnce runs one session start. A dial error is returned as is; the
// outcome of a started session is in the event.
func (d *Driver) runOnce(ctx context.Context, sess *session.Session, endpoint config.Endpoint) (stopEvent, error) {
	link, err := networkio.Dial(ctx, d.logger, d.dialer, endpoint)
	if err != nil {
		return stopEvent{}, err
	}
	if err := sess.Start(link, d.tunnel); err != nil {
		link.Close()
		return stopEvent{}, err
	}
	select {
	case ev := <-d.stops:
		return ev, nil
	case <-ctx.Done():
		sess.Shutdown(nil)
		return <-d.stops, nil
	}
}

func (d *Driver) logStats(ctx context.Context, sess *session.Session) {
	ticker := time.NewTicker(d.statsEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in, out := sess.DataCount()
			d.logger.Infof("tunnel: %d bytes in, %d bytes out", in, out)
		}
	}
}
