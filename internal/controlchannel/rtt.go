package controlchannel

import "time"

// maxRetransmissionTimeout bounds the adaptive retransmission timeout.
const maxRetransmissionTimeout = 2 * time.Second

// rttEstimator is the RFC 6298 round trip estimator. Samples only come from
// packets acknowledged after their first write (Karn's algorithm).
type rttEstimator struct {
	// smoothed is SRTT.
	smoothed time.Duration

	// variance is RTTVAR.
	variance time.Duration

	initialized bool
}

// update adds a sample:
//   - RTTVAR = 3/4 * RTTVAR + 1/4 * |SRTT - R|
//   - SRTT = 7/8 * SRTT + 1/8 * R
func (r *rttEstimator) update(sample time.Duration) {
	if sample <= 0 {
		return
	}
	if !r.initialized {
		r.smoothed = sample
		r.variance = sample / 2
		r.initialized = true
		return
	}
	diff := r.smoothed - sample
	if diff < 0 {
		diff = -diff
	}
	r.variance = (3*r.variance + diff) / 4
	r.smoothed = (7*r.smoothed + sample) / 8
}

// timeout returns SRTT + 4*RTTVAR clamped to [floor, ceiling]. Without
// samples it returns floor.
func (r *rttEstimator) timeout(floor, ceiling time.Duration) time.Duration {
	if !r.initialized {
		return floor
	}
	return min(max(r.smoothed+4*r.variance, floor), ceiling)
}
