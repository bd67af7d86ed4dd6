// Package tlssession runs the TLS client of a key over memory buffers. The
// session moves the ciphertext in CONTROL_V1 packets; the engine only sees
// bytes.
package tlssession

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/6ccg/ovpncore/internal/model"
	"github.com/6ccg/ovpncore/pkg/config"
)

var (
	// ErrNotConnected is returned when writing plaintext before the handshake completes.
	ErrNotConnected = errors.New("tlssession: not connected")

	// ErrAlreadyStarted is returned when calling Start twice.
	ErrAlreadyStarted = errors.New("tlssession: already started")
)

// readBufferSize is the largest TLS record plaintext.
const readBufferSize = 1 << 14

// Engine is the uTLS implementation of [model.TLSEngine].
type Engine struct {
	logger model.Logger
	certs  *certConfig
	bio    *tlsBio
	notify func()

	mu        sync.Mutex
	conn      handshaker
	started   bool
	connected bool
	err       error
	plain     bytes.Buffer
}

var _ model.TLSEngine = &Engine{}

// New returns an [Engine] configured with the CA, client keypair and server
// verification flags in options. notify is called, from the engine's own
// goroutines, whenever there is something to pull; it must not block.
func New(logger model.Logger, options *config.OpenVPNOptions, notify func()) (*Engine, error) {
	certs, err := newCertConfigFromOptions(options)
	if err != nil {
		return nil, err
	}
	if notify == nil {
		notify = func() {}
	}
	return &Engine{
		logger: logger,
		certs:  certs,
		bio:    newTLSBio(logger, notify),
		notify: notify,
	}, nil
}

// Start implements model.TLSEngine.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	conf, err := initTLS(e.certs)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBadTLSInit, err)
	}
	conn, err := tlsFactoryFn(e.bio, conf)
	if err != nil {
		return err
	}
	e.conn = conn
	e.started = true
	go e.run(conn)
	return nil
}

// run performs the handshake and then reads plaintext until the engine is closed.
func (e *Engine) run(conn handshaker) {
	if err := conn.Handshake(); err != nil {
		e.fail(fmt.Errorf("%w: %s", ErrBadTLSHandshake, err))
		return
	}
	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	e.logger.Info("tlssession: TLS handshake done")
	e.notify()

	buf := make([]byte, readBufferSize)
	for {
		count, err := conn.Read(buf)
		if count > 0 {
			e.mu.Lock()
			e.plain.Write(buf[:count])
			e.mu.Unlock()
			e.notify()
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				return
			}
			e.fail(err)
			return
		}
	}
}

func (e *Engine) fail(err error) {
	e.mu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.mu.Unlock()
	e.logger.Warnf("tlssession: %s", err.Error())
	e.notify()
}

// IsConnected implements model.TLSEngine.
func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// PutCipherText implements model.TLSEngine.
func (e *Engine) PutCipherText(data []byte) error {
	return e.bio.feed(data)
}

// PullCipherText implements model.TLSEngine. A handshake failure is
// reported here, after the pending alert bytes have been returned.
func (e *Engine) PullCipherText() ([]byte, error) {
	if data := e.bio.drain(); data != nil {
		return data, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return nil, e.err
}

// PutPlainText implements model.TLSEngine.
func (e *Engine) PutPlainText(data []byte) error {
	e.mu.Lock()
	conn, connected := e.conn, e.connected
	e.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	_, err := conn.Write(data)
	return err
}

// PullPlainText implements model.TLSEngine.
func (e *Engine) PullPlainText() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.plain.Len() == 0 {
		return nil, e.err
	}
	out := bytes.Clone(e.plain.Bytes())
	e.plain.Reset()
	return out, nil
}

// Close implements model.TLSEngine. Blocked reads end and the run
// goroutine exits.
func (e *Engine) Close() error {
	return e.bio.Close()
}
