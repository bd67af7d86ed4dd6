// Package replay implements the sliding window used to reject replayed
// packet ids on the data channel and on wrapped control packets.
package replay

import (
	"errors"
	"sync"
	"time"

	"github.com/6ccg/ovpncore/internal/model"
)

const (
	// DefaultWindow is the default window size, OpenVPN's replay-window default.
	DefaultWindow = 64

	// MaxWindow bounds the window size.
	MaxWindow = 65536

	// DefaultMaxTimestampSkew is the tolerated distance between the packet
	// timestamp and our clock when timestamp validation is enabled.
	DefaultMaxTimestampSkew = 60 * time.Second

	// halfSpace splits the packet id space for wraparound comparisons.
	halfSpace = uint32(0x80000000)
)

var (
	// ErrReplayAttack is returned when a packet id was already seen or is
	// too old for the window.
	ErrReplayAttack = errors.New("replay attack detected")

	// ErrInvalidPacketID is returned when the packet ID is zero.
	ErrInvalidPacketID = errors.New("invalid packet ID (zero)")

	// ErrTimestampOutOfRange is returned when the packet timestamp is too far from local time.
	ErrTimestampOutOfRange = errors.New("packet timestamp out of acceptable range")

	// ErrTimeBacktrack is returned when the timestamp is older than the newest one seen.
	ErrTimeBacktrack = errors.New("time backtrack detected")
)

// after returns whether a comes after b, handling wraparound.
func after(a, b model.PacketID) bool {
	diff := uint32(a - b)
	return diff > 0 && diff < halfSpace
}

// Filter tracks the packet ids seen inside a window ending at the largest id
// received. In backtrack mode (UDP) ids may arrive out of order inside the
// window; in sequential mode (TCP) they must increase by one.
//
// A timestamp newer than the newest one seen starts a new period and clears
// the window, which is how senders restart their counters.
type Filter struct {
	mu sync.Mutex

	// bits is a ring indexed by id modulo window.
	bits []uint64

	window      uint32
	maxID       model.PacketID
	maxTime     model.PacketTimestamp
	initialized bool

	sequential bool
	maxSkew    time.Duration
	now        func() time.Time
}

// Option configures a [Filter].
type Option func(*Filter)

// WithSequentialMode requires strictly sequential ids, as used over TCP.
func WithSequentialMode() Option {
	return func(f *Filter) {
		f.sequential = true
	}
}

// withTimestampValidation rejects packets whose timestamp differs from our
// clock by more than maxSkew.
func withTimestampValidation(maxSkew time.Duration) Option {
	return func(f *Filter) {
		f.maxSkew = maxSkew
	}
}

// withClock overrides the clock used by timestamp validation.
func withClock(now func() time.Time) Option {
	return func(f *Filter) {
		f.now = now
	}
}

// NewFilter creates a new [*Filter]. The window is rounded up to a power of
// two not smaller than 64 and capped at [MaxWindow].
func NewFilter(window uint32, opts ...Option) *Filter {
	size := uint32(DefaultWindow)
	for size < window && size < MaxWindow {
		size <<= 1
	}
	f := &Filter{
		bits:   make([]uint64, size/64),
		window: size,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Window returns the effective window size.
func (f *Filter) Window() uint32 {
	return f.window
}

// Check tests a packet id without timestamp.
func (f *Filter) Check(id model.PacketID) error {
	return f.CheckWithTimestamp(id, 0)
}

// CheckWithTimestamp tests a packet id along with the timestamp carried by
// wrapped control packets. A zero timestamp skips the time checks. On success
// the id is recorded as seen.
func (f *Filter) CheckWithTimestamp(id model.PacketID, ts model.PacketTimestamp) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if id == 0 {
		return ErrInvalidPacketID
	}
	if ts > 0 && f.maxSkew > 0 {
		skew := f.now().Sub(time.Unix(int64(ts), 0))
		if skew > f.maxSkew || -skew > f.maxSkew {
			return ErrTimestampOutOfRange
		}
	}
	if ts > 0 && f.initialized && ts < f.maxTime {
		return ErrTimeBacktrack
	}

	newPeriod := ts > f.maxTime
	if !f.initialized || newPeriod {
		if f.initialized && f.sequential && id != 1 {
			return ErrReplayAttack
		}
		f.clearLocked()
		f.maxID = id
		if ts > 0 {
			f.maxTime = ts
		}
		f.markLocked(id)
		f.initialized = true
		return nil
	}

	if f.sequential {
		if id != f.maxID+1 {
			return ErrReplayAttack
		}
		f.advanceLocked(id)
		return nil
	}

	if after(id, f.maxID) {
		f.advanceLocked(id)
		return nil
	}
	if uint32(f.maxID-id) >= f.window || f.seenLocked(id) {
		return ErrReplayAttack
	}
	f.markLocked(id)
	return nil
}

// advanceLocked moves the window forward to end at id.
func (f *Filter) advanceLocked(id model.PacketID) {
	distance := uint32(id - f.maxID)
	if distance >= f.window {
		f.clearLocked()
	} else {
		for i := uint32(1); i <= distance; i++ {
			f.unmarkLocked(f.maxID + model.PacketID(i))
		}
	}
	f.maxID = id
	f.markLocked(id)
}

func (f *Filter) slot(id model.PacketID) (int, uint64) {
	pos := uint32(id) & (f.window - 1)
	return int(pos / 64), uint64(1) << (pos % 64)
}

func (f *Filter) seenLocked(id model.PacketID) bool {
	word, bit := f.slot(id)
	return f.bits[word]&bit != 0
}

func (f *Filter) markLocked(id model.PacketID) {
	word, bit := f.slot(id)
	f.bits[word] |= bit
}

func (f *Filter) unmarkLocked(id model.PacketID) {
	word, bit := f.slot(id)
	f.bits[word] &^= bit
}

func (f *Filter) clearLocked() {
	for i := range f.bits {
		f.bits[i] = 0
	}
}

// Reset forgets every id and timestamp seen so far.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearLocked()
	f.maxID = 0
	f.maxTime = 0
	f.initialized = false
}

// MaxID returns the highest packet ID seen so far.
func (f *Filter) MaxID() model.PacketID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxID
}
