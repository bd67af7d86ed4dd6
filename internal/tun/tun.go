// Package tun adapts a wireguard-go TUN device to the tunnel interface of a session.
package tun

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	wgtun "golang.zx2c4.com/wireguard/tun"

	"github.com/6ccg/ovpncore/internal/model"
	"github.com/6ccg/ovpncore/internal/workers"
)

const (
	// DefaultMTU is the MTU of the devices we create.
	DefaultMTU = 1500

	// offset leaves room for the headers some platforms prepend.
	offset = 16

	// maxPacketSize bounds the packets read from the device.
	maxPacketSize = 65535
)

// ErrNotIP is returned for packets that are neither IPv4 nor IPv6.
var ErrNotIP = errors.New("tun: not an IP packet")

// Device is a [model.Tunnel] backed by a TUN device.
type Device struct {
	dev        wgtun.Device
	logger     model.Logger
	manager    *workers.Manager
	persistent bool

	startOnce sync.Once
	closeOnce sync.Once

	mu      sync.Mutex
	handler model.PacketsHandler
}

var _ model.Tunnel = &Device{}

// Create opens the TUN device called name.
func Create(logger model.Logger, name string, mtu int) (*Device, error) {
	dev, err := wgtun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("tun: cannot create %s: %w", name, err)
	}
	return NewDevice(logger, dev, true), nil
}

// NewDevice wraps dev. A persistent device is not closed when the session stops.
func NewDevice(logger model.Logger, dev wgtun.Device, persistent bool) *Device {
	return &Device{
		dev:        dev,
		logger:     logger,
		manager:    workers.NewManager(logger),
		persistent: persistent,
	}
}

// Name returns the name of the device.
func (d *Device) Name() (string, error) {
	return d.dev.Name()
}

// IsPersistent implements model.Tunnel.
func (d *Device) IsPersistent() bool {
	return d.persistent
}

// SetReadHandler implements model.Tunnel. The first call starts reading.
// Reconnected sessions install their own handler on the same device.
func (d *Device) SetReadHandler(handler model.PacketsHandler) {
	d.mu.Lock()
	d.handler = handler
	d.mu.Unlock()
	d.startOnce.Do(func() {
		d.manager.StartWorker(d.moveUpWorker)
	})
}

// WritePackets implements model.Tunnel.
func (d *Device) WritePackets(packets [][]byte, completion func(error)) {
	bufs := make([][]byte, 0, len(packets))
	for _, p := range packets {
		if err := validatePacket(p); err != nil {
			d.logger.Debugf("tun: dropping packet to the device: %s", err.Error())
			continue
		}
		buf := make([]byte, offset+len(p))
		copy(buf[offset:], p)
		bufs = append(bufs, buf)
	}
	if len(bufs) == 0 {
		completion(nil)
		return
	}
	_, err := d.dev.Write(bufs, offset)
	completion(err)
}

// Close implements model.Tunnel.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.manager.StartShutdown()
		err = d.dev.Close()
		d.manager.WaitWorkersShutdown()
	})
	return err
}

func (d *Device) readHandler() model.PacketsHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler
}

// moveUpWorker reads batches from the device.
func (d *Device) moveUpWorker() {
	defer d.manager.OnWorkerDone("tun: moveUpWorker")

	batch := max(d.dev.BatchSize(), 1)
	bufs := make([][]byte, batch)
	for i := range bufs {
		bufs[i] = make([]byte, offset+maxPacketSize)
	}
	sizes := make([]int, batch)

	for {
		n, err := d.dev.Read(bufs, sizes, offset)
		select {
		case <-d.manager.ShouldShutdown():
			return
		default:
		}
		if err != nil {
			d.logger.Warnf("tun: read: %s", err.Error())
			d.readHandler()(nil, err)
			return
		}
		packets := make([][]byte, 0, n)
		for i := range n {
			p := bufs[i][offset : offset+sizes[i]]
			if err := validatePacket(p); err != nil {
				d.logger.Debugf("tun: dropping packet from the device: %s", err.Error())
				continue
			}
			packets = append(packets, append([]byte{}, p...))
		}
		if len(packets) > 0 {
			d.readHandler()(packets, nil)
		}
	}
}

// validatePacket checks the IP header of p.
func validatePacket(p []byte) error {
	if len(p) == 0 {
		return ErrNotIP
	}
	switch p[0] >> 4 {
	case ipv4.Version:
		h, err := ipv4.ParseHeader(p)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrNotIP, err)
		}
		if h.TotalLen > len(p) {
			return fmt.Errorf("%w: truncated IPv4 packet", ErrNotIP)
		}
		return nil
	case ipv6.Version:
		if _, err := ipv6.ParseHeader(p); err != nil {
			return fmt.Errorf("%w: %s", ErrNotIP, err)
		}
		return nil
	default:
		return ErrNotIP
	}
}
