package snapshot

import "time"

// Policy decides when the leader asks its group for a snapshot.
type Policy struct {
	Threshold uint64
	Interval  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Threshold: 1000, Interval: 5 * time.Minute}
}

// Due reports whether changes committed since the last snapshot, or time
// elapsed since it, warrant a new one. Nothing is due without new changes.
func (p Policy) Due(changes uint64, last, now time.Time) bool {
	if changes == 0 {
		return false
	}
	if p.Threshold > 0 && changes >= p.Threshold {
		return true
	}
	return p.Interval > 0 && now.Sub(last) >= p.Interval
}
