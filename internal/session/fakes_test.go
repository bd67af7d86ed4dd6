package session

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"

	"golang.org/x/net/ipv4"

	"github.com/6ccg/ovpncore/internal/model"
	"github.com/6ccg/ovpncore/pkg/config"
)

// fakeLink is an in-memory [model.Link]. Written packets are queued for
// the test server; injected packets reach the session read handler.
type fakeLink struct {
	reliable bool

	mu       sync.Mutex
	handler  model.PacketsHandler
	pending  [][]byte
	closed   bool
	writeErr error

	wakeup chan struct{}
	done   chan struct{}
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		wakeup: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (l *fakeLink) IsReliable() bool {
	return l.reliable
}

func (l *fakeLink) MTU() int {
	return 1500
}

func (l *fakeLink) RemoteAddress() string {
	return "203.0.113.1:1194"
}

func (l *fakeLink) SetReadHandler(handler model.PacketsHandler) {
	l.mu.Lock()
	l.handler = handler
	l.mu.Unlock()
}

func (l *fakeLink) WritePackets(packets [][]byte, completion func(error)) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		completion(net.ErrClosed)
		return
	}
	if err := l.writeErr; err != nil {
		l.mu.Unlock()
		completion(err)
		return
	}
	for _, p := range packets {
		l.pending = append(l.pending, bytes.Clone(p))
	}
	l.mu.Unlock()
	select {
	case l.wakeup <- struct{}{}:
	default:
	}
	completion(nil)
}

// drain returns the packets written so far.
func (l *fakeLink) drain() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.pending
	l.pending = nil
	return out
}

// inject delivers packets as if read from the network.
func (l *fakeLink) inject(packets ...[]byte) {
	l.mu.Lock()
	handler := l.handler
	closed := l.closed
	l.mu.Unlock()
	if handler != nil && !closed {
		handler(packets, nil)
	}
}

func (l *fakeLink) failWrites(err error) {
	l.mu.Lock()
	l.writeErr = err
	l.mu.Unlock()
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	return nil
}

// fakeTunnel is an in-memory [model.Tunnel].
type fakeTunnel struct {
	mu      sync.Mutex
	handler model.PacketsHandler
	written [][]byte
	closed  bool
}

func (t *fakeTunnel) IsPersistent() bool {
	return true
}

func (t *fakeTunnel) SetReadHandler(handler model.PacketsHandler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

func (t *fakeTunnel) WritePackets(packets [][]byte, completion func(error)) {
	t.mu.Lock()
	t.written = append(t.written, packets...)
	t.mu.Unlock()
	completion(nil)
}

func (t *fakeTunnel) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTunnel) inject(packets ...[]byte) {
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler != nil {
		handler(packets, nil)
	}
}

func (t *fakeTunnel) received(packet []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.written {
		if bytes.Equal(p, packet) {
			return true
		}
	}
	return false
}

const (
	stubClientHello    = "CLIENT_HELLO"
	stubServerHello    = "SERVER_HELLO"
	stubClientFinished = "CLIENT_FINISHED"
)

var errStubNotConnected = errors.New("stub: not connected")

// stubTLS is a handshake stub: it exchanges fixed hello messages and then
// passes the plaintext through unchanged.
type stubTLS struct {
	mu        sync.Mutex
	connected bool
	cipherOut bytes.Buffer
	plainIn   bytes.Buffer
	closed    bool
}

func newStubTLS(model.Logger, *config.OpenVPNOptions, func()) (model.TLSEngine, error) {
	return &stubTLS{}, nil
}

func (e *stubTLS) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cipherOut.WriteString(stubClientHello)
	return nil
}

func (e *stubTLS) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *stubTLS) PutCipherText(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		if string(data) == stubServerHello {
			e.connected = true
			e.cipherOut.WriteString(stubClientFinished)
		}
		return nil
	}
	e.plainIn.Write(data)
	return nil
}

func (e *stubTLS) PullCipherText() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cipherOut.Len() == 0 {
		return nil, nil
	}
	out := bytes.Clone(e.cipherOut.Bytes())
	e.cipherOut.Reset()
	return out, nil
}

func (e *stubTLS) PutPlainText(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return errStubNotConnected
	}
	e.cipherOut.Write(data)
	return nil
}

func (e *stubTLS) PullPlainText() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.plainIn.Len() == 0 {
		return nil, nil
	}
	out := bytes.Clone(e.plainIn.Bytes())
	e.plainIn.Reset()
	return out, nil
}

func (e *stubTLS) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

type startEvent struct {
	remote string
	reply  *config.PushReply
}

type stopEvent struct {
	err       error
	reconnect bool
}

// recordingDelegate records the lifecycle events.
type recordingDelegate struct {
	mu      sync.Mutex
	started []startEvent
	stopped []stopEvent
}

func (d *recordingDelegate) SessionDidStart(_ *Session, remote string, reply *config.PushReply) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = append(d.started, startEvent{remote: remote, reply: reply})
}

func (d *recordingDelegate) SessionDidStop(_ *Session, err error, reconnect bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = append(d.stopped, stopEvent{err: err, reconnect: reconnect})
}

func (d *recordingDelegate) startCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.started)
}

func (d *recordingDelegate) stopCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.stopped)
}

func (d *recordingDelegate) start(i int) startEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started[i]
}

func (d *recordingDelegate) stop(i int) stopEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped[i]
}

// ipv4Packet returns a UDP over IPv4 packet carrying payload.
func ipv4Packet(t *testing.T, payload string) []byte {
	t.Helper()
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(payload),
		TTL:      64,
		Protocol: 17,
		Src:      net.IPv4(10, 8, 0, 2),
		Dst:      net.IPv4(10, 8, 0, 1),
	}
	b, err := h.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return append(b, payload...)
}
