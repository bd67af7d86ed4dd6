package tunnel

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/tun/tuntest"

	"github.com/6ccg/ovpncore/internal/session"
	"github.com/6ccg/ovpncore/internal/tun"
	"github.com/6ccg/ovpncore/pkg/config"
)

type addr string

func (a addr) Network() string {
	return "udp"
}

func (a addr) String() string {
	return string(a)
}

// silentConn is a connection to a server that never answers. Writes fail
// with writeErr when set.
type silentConn struct {
	writeErr  error
	closeOnce sync.Once
	closed    chan struct{}
}

func newSilentConn(writeErr error) *silentConn {
	return &silentConn{writeErr: writeErr, closed: make(chan struct{})}
}

func (c *silentConn) Read([]byte) (int, error) {
	<-c.closed
	return 0, net.ErrClosed
}

func (c *silentConn) Write(b []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return len(b), nil
}

func (c *silentConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

func (c *silentConn) LocalAddr() net.Addr {
	return addr("10.0.0.2:50000")
}

func (c *silentConn) RemoteAddr() net.Addr {
	return addr("198.51.100.1:1194")
}

func (c *silentConn) SetDeadline(time.Time) error {
	return nil
}

func (c *silentConn) SetReadDeadline(time.Time) error {
	return nil
}

func (c *silentConn) SetWriteDeadline(time.Time) error {
	return nil
}

// recordingDialer records the dialed addresses and returns conns from newConn.
type recordingDialer struct {
	mu      sync.Mutex
	dialed  []string
	newConn func() (net.Conn, error)
}

func (d *recordingDialer) DialContext(_ context.Context, _, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, address)
	d.mu.Unlock()
	return d.newConn()
}

func (d *recordingDialer) addresses() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.dialed...)
}

func testConfig() *config.Config {
	opts := config.NewOpenVPNOptions()
	opts.Remotes = []config.Endpoint{
		{Host: "198.51.100.1", Port: "1194", Proto: config.ProtoUDP},
		{Host: "198.51.100.2", Port: "1194", Proto: config.ProtoUDP},
	}
	opts.CA = []byte("ca")
	opts.AuthUserPass = true
	opts.Username = "alice"
	opts.Password = "s3cret"
	return config.NewConfig(config.WithLogger(log.Log), config.WithOpenVPNOptions(opts))
}

func testTunnel(t *testing.T) *tun.Device {
	t.Helper()
	dev := tun.NewDevice(log.Log, tuntest.NewChannelTUN().TUN(), true)
	t.Cleanup(func() {
		dev.Close()
	})
	return dev
}

func TestDriver_dialFailuresExhaustRetries(t *testing.T) {
	errDial := errors.New("connection refused")
	dialer := &recordingDialer{newConn: func() (net.Conn, error) {
		return nil, errDial
	}}
	d := NewDriver(testConfig(), testTunnel(t), WithDialer(dialer), WithRetries(2, time.Millisecond))

	err := d.Run(context.Background())
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.ErrorIs(t, err, errDial)

	want := []string{"198.51.100.1:1194", "198.51.100.2:1194", "198.51.100.1:1194"}
	if diff := cmp.Diff(want, dialer.addresses()); diff != "" {
		t.Errorf("dialed mismatch (-want +got):\n%s", diff)
	}
}

func TestDriver_fatalStopEndsRun(t *testing.T) {
	dialer := &recordingDialer{newConn: func() (net.Conn, error) {
		return newSilentConn(errors.New("network is down")), nil
	}}
	d := NewDriver(testConfig(), testTunnel(t), WithDialer(dialer), WithRetries(3, time.Millisecond))

	err := d.Run(context.Background())
	require.ErrorIs(t, err, session.ErrLinkWrite)
	require.Len(t, dialer.addresses(), 1)
}

func TestDriver_reconnectsOnHardResetTimeout(t *testing.T) {
	dialer := &recordingDialer{newConn: func() (net.Conn, error) {
		return newSilentConn(nil), nil
	}}
	timeouts := session.DefaultTimeouts()
	timeouts.HardReset = 50 * time.Millisecond
	timeouts.Tick = 10 * time.Millisecond
	d := NewDriver(testConfig(), testTunnel(t),
		WithDialer(dialer),
		WithRetries(1, time.Millisecond),
		WithSessionOptions(session.WithTimeouts(timeouts)),
	)

	err := d.Run(context.Background())
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.ErrorIs(t, err, session.ErrHardResetTimeout)
	require.Equal(t, []string{"198.51.100.1:1194", "198.51.100.2:1194"}, dialer.addresses())
}

func TestDriver_cancel(t *testing.T) {
	dialer := &recordingDialer{newConn: func() (net.Conn, error) {
		return newSilentConn(nil), nil
	}}
	d := NewDriver(testConfig(), testTunnel(t), WithDialer(dialer), WithStatsInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	require.NoError(t, d.Run(ctx))
	require.Len(t, dialer.addresses(), 1)
}

func TestDriver_invalidOptions(t *testing.T) {
	cfg := config.NewConfig(config.WithLogger(log.Log), config.WithOpenVPNOptions(config.NewOpenVPNOptions()))
	d := NewDriver(cfg, testTunnel(t))
	require.ErrorIs(t, d.Run(context.Background()), config.ErrBadConfig)
}
