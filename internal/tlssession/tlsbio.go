package tlssession

import (
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/6ccg/ovpncore/internal/bytesx"
	"github.com/6ccg/ovpncore/internal/model"
)

// tlsBio is the net.Conn the TLS client runs on. Reads block until the
// session feeds ciphertext, writes only accumulate bytes for the session to
// pull.
type tlsBio struct {
	logger model.Logger
	notify func()

	mu       sync.Mutex
	cond     *sync.Cond
	inbound  bytes.Buffer
	outbound bytes.Buffer
	closed   bool
}

var _ net.Conn = &tlsBio{}

// newTLSBio creates a new tlsBio. notify is called after every write.
func newTLSBio(logger model.Logger, notify func()) *tlsBio {
	t := &tlsBio{
		logger: logger,
		notify: notify,
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// feed appends ciphertext for the TLS client to read.
func (t *tlsBio) feed(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return net.ErrClosed
	}
	t.inbound.Write(data)
	t.cond.Broadcast()
	return nil
}

// drain returns the ciphertext written by the TLS client so far.
func (t *tlsBio) drain() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outbound.Len() == 0 {
		return nil
	}
	out := bytes.Clone(t.outbound.Bytes())
	t.outbound.Reset()
	return out
}

func (t *tlsBio) Read(data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.inbound.Len() == 0 && !t.closed {
		t.cond.Wait()
	}
	if t.closed {
		return 0, net.ErrClosed
	}
	count, _ := t.inbound.Read(data)
	t.logger.Debugf("[tlsbio] read %d bytes head=%s", count, bytesx.HexPrefix(data[:count], 32))
	return count, nil
}

func (t *tlsBio) Write(data []byte) (int, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, net.ErrClosed
	}
	t.outbound.Write(data)
	t.mu.Unlock()
	t.logger.Debugf("[tlsbio] wrote %d bytes", len(data))
	if t.notify != nil {
		t.notify()
	}
	return len(data), nil
}

func (t *tlsBio) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.cond.Broadcast()
	return nil
}

func (t *tlsBio) LocalAddr() net.Addr {
	return &tlsBioAddr{}
}

func (t *tlsBio) RemoteAddr() net.Addr {
	return &tlsBioAddr{}
}

// Deadlines are driven by the session timers.
func (t *tlsBio) SetDeadline(tt time.Time) error {
	return nil
}

func (t *tlsBio) SetReadDeadline(tt time.Time) error {
	return nil
}

func (t *tlsBio) SetWriteDeadline(tt time.Time) error {
	return nil
}

// tlsBioAddr is the type of address returned by [tlsBio].
type tlsBioAddr struct{}

var _ net.Addr = &tlsBioAddr{}

func (*tlsBioAddr) Network() string {
	return "tlsBioAddr"
}

func (*tlsBioAddr) String() string {
	return "tlsBioAddr"
}
