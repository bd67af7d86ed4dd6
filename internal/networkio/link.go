// Package networkio implements the network links a session talks over.
package networkio

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/6ccg/ovpncore/internal/model"
	"github.com/6ccg/ovpncore/internal/workers"
)

var (
	serviceName = "networkio"
)

const (
	// DefaultMTU is the largest packet we hand to the link.
	DefaultMTU = 1500

	// writeQueueSize is the number of pending write batches. Beyond it
	// writes fail with [model.ErrLinkBusy].
	writeQueueSize = 64
)

// isTemporaryError checks if an error is temporary and should be ignored.
// This matches OpenVPN's ignore_sys_error() behavior.
func isTemporaryError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() && !errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.EAGAIN, syscall.EINTR, syscall.ECONNREFUSED:
			return true
		}
	}
	return false
}

// isConnectionReset checks if an error indicates a connection reset.
// This matches OpenVPN's socket_connection_reset() behavior.
func isConnectionReset(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE:
			return true
		}
	}
	return false
}

// writeRequest is a batch of packets waiting for the writer.
type writeRequest struct {
	packets    [][]byte
	completion func(error)
}

// Link is a [model.Link] over a [FramingConn]. A reader and a writer
// goroutine move the packets; callbacks run on them.
type Link struct {
	conn     FramingConn
	logger   model.Logger
	manager  *workers.Manager
	reliable bool
	mtu      int

	startOnce sync.Once
	closeOnce sync.Once

	mu      sync.Mutex
	handler model.PacketsHandler

	// writes is guarded by writeMu and closed is set under it, so a batch is
	// either queued before the writer drains or rejected.
	writeMu sync.Mutex
	writes  []*writeRequest
	closed  bool
	wakeup  chan struct{}
}

var _ model.Link = &Link{}

// NewLink wraps conn. Stream sockets are reliable and use the length
// prefixed framing.
func NewLink(logger model.Logger, conn net.Conn, reliable bool) *Link {
	l := &Link{
		conn:     NewFramingConn(conn, reliable),
		logger:   logger,
		manager:  workers.NewManager(logger),
		reliable: reliable,
		mtu:      DefaultMTU,
		wakeup:   make(chan struct{}, 1),
	}
	l.manager.StartWorker(l.moveDownWorker)
	return l
}

// IsReliable implements model.Link.
func (l *Link) IsReliable() bool {
	return l.reliable
}

// MTU implements model.Link.
func (l *Link) MTU() int {
	return l.mtu
}

// RemoteAddress implements model.Link.
func (l *Link) RemoteAddress() string {
	return l.conn.RemoteAddr().String()
}

// SetReadHandler implements model.Link. The first call starts reading.
func (l *Link) SetReadHandler(handler model.PacketsHandler) {
	l.mu.Lock()
	l.handler = handler
	l.mu.Unlock()
	l.startOnce.Do(func() {
		l.manager.StartWorker(l.moveUpWorker)
	})
}

// WritePackets implements model.Link. Writing to a closed link fails with
// [net.ErrClosed] and writing to a full queue with [model.ErrLinkBusy].
func (l *Link) WritePackets(packets [][]byte, completion func(error)) {
	l.writeMu.Lock()
	switch {
	case l.closed:
		l.writeMu.Unlock()
		completion(net.ErrClosed)
		return
	case len(l.writes) >= writeQueueSize:
		l.writeMu.Unlock()
		completion(model.ErrLinkBusy)
		return
	}
	l.writes = append(l.writes, &writeRequest{packets: packets, completion: completion})
	l.writeMu.Unlock()
	select {
	case l.wakeup <- struct{}{}:
	default:
	}
}

// Close implements model.Link. It waits for the workers to exit.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.writeMu.Lock()
		l.closed = true
		l.writeMu.Unlock()
		l.manager.StartShutdown()
		err = l.conn.Close()
		l.manager.WaitWorkersShutdown()
	})
	return err
}

func (l *Link) readHandler() model.PacketsHandler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handler
}

func (l *Link) isShuttingDown() bool {
	select {
	case <-l.manager.ShouldShutdown():
		return true
	default:
		return false
	}
}

// moveUpWorker reads packets and passes them to the handler.
func (l *Link) moveUpWorker() {
	workerName := fmt.Sprintf("%s: moveUpWorker", serviceName)
	defer l.manager.OnWorkerDone(workerName)
	l.logger.Debugf("%s: started", workerName)

	for {
		pkt, err := l.conn.ReadRawPacket()
		if l.isShuttingDown() {
			return
		}
		if err != nil {
			if isTemporaryError(err) {
				l.logger.Debugf("%s: ReadRawPacket: temporary error (ignored): %s", workerName, err.Error())
				continue
			}
			if isConnectionReset(err) {
				l.logger.Infof("%s: ReadRawPacket: connection reset: %s", workerName, err.Error())
			} else {
				l.logger.Infof("%s: ReadRawPacket: %s", workerName, err.Error())
			}
			l.readHandler()(nil, err)
			return
		}
		l.readHandler()([][]byte{pkt}, nil)
	}
}

// moveDownWorker writes the queued batches.
func (l *Link) moveDownWorker() {
	workerName := fmt.Sprintf("%s: moveDownWorker", serviceName)
	defer l.manager.OnWorkerDone(workerName)
	l.logger.Debugf("%s: started", workerName)

	for {
		select {
		case <-l.wakeup:
		case <-l.manager.ShouldShutdown():
			l.drainWrites()
			return
		}
		for _, req := range l.takeWrites() {
			req.completion(l.writeBatch(req.packets))
		}
	}
}

func (l *Link) takeWrites() []*writeRequest {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	reqs := l.writes
	l.writes = nil
	return reqs
}

func (l *Link) writeBatch(packets [][]byte) error {
	for _, pkt := range packets {
		err := l.conn.WriteRawPacket(pkt)
		if err == nil {
			continue
		}
		if isTemporaryError(err) {
			// datagrams are allowed to get lost
			l.logger.Debugf("%s: WriteRawPacket: temporary error (ignored): %s", serviceName, err.Error())
			continue
		}
		return err
	}
	return nil
}

// drainWrites fails the batches queued when the link closed.
func (l *Link) drainWrites() {
	for _, req := range l.takeWrites() {
		req.completion(net.ErrClosed)
	}
}
