// Package timesync estimates RTT and clock offset between peers from the
// three-timestamp exchange on the control path.
package timesync

import "sync"

// TimeSync keeps the latest estimate. Update is called from the runloop;
// readers may be on other goroutines, hence the lock.
type TimeSync struct {
	mu     sync.RWMutex
	rtt    int64
	offset int64
	valid  bool
}

// Update consumes one completed exchange: t0 request send (our clock), t1
// request receive and t2 reply send (peer clock), t3 reply receive (our
// clock). RTT excludes the peer's processing delay; offset is the standard
// midpoint estimator.
func (ts *TimeSync) Update(t0, t1, t2, t3 int64) (rtt, offset int64) {
	rtt = (t3 - t0) - (t2 - t1)
	if rtt < 0 {
		rtt = 0
	}
	offset = ((t1 - t0) + (t2 - t3)) / 2

	ts.mu.Lock()
	ts.rtt = rtt
	ts.offset = offset
	ts.valid = true
	ts.mu.Unlock()
	return rtt, offset
}

func (ts *TimeSync) RTT() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.rtt
}

// Offset is peer clock minus ours, microseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}

func (ts *TimeSync) Valid() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.valid
}

// ToLocal converts a peer timestamp into our clock domain.
func (ts *TimeSync) ToLocal(peerTS int64) int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return peerTS - ts.offset
}
