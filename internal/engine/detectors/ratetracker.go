package detectors

import (
	"sync"
	"time"
)

// rateWindow is a sliding window counter backed by a fixed ring of
// time-stamped buckets. Buckets older than the window are cleared on
// every access, so reads after a quiet period see the decayed count.
type rateWindow struct {
	window     time.Duration
	bucketSize time.Duration
	buckets    []rateBucket
	lastTouch  time.Time
}

type rateBucket struct {
	timestamp time.Time
	count     int64
}

func newRateWindow(window, bucketSize time.Duration) *rateWindow {
	n := int(window / bucketSize)
	if n == 0 {
		n = 1
	}
	return &rateWindow{
		window:     window,
		bucketSize: bucketSize,
		buckets:    make([]rateBucket, n),
	}
}

// observe records one hit at now and returns the total across the window.
func (w *rateWindow) observe(now time.Time) int64 {
	w.lastTouch = now
	cutoff := now.Add(-w.window)
	slot := now.Truncate(w.bucketSize)

	// Clear expired buckets and locate the one for this slot.
	target := -1
	for i := range w.buckets {
		b := &w.buckets[i]
		if !b.timestamp.IsZero() && b.timestamp.Before(cutoff) {
			*b = rateBucket{}
		}
		if b.timestamp.Equal(slot) {
			target = i
		}
	}
	if target == -1 {
		// Reuse an empty bucket, or evict the oldest.
		target = 0
		for i := range w.buckets {
			if w.buckets[i].timestamp.IsZero() {
				target = i
				break
			}
			if w.buckets[i].timestamp.Before(w.buckets[target].timestamp) {
				target = i
			}
		}
		w.buckets[target] = rateBucket{timestamp: slot}
	}
	w.buckets[target].count++

	var sum int64
	for i := range w.buckets {
		sum += w.buckets[i].count
	}
	return sum
}

// RateTracker keeps one sliding window per subject fingerprint. It is a
// plain dependency handed to the behavioral detector, never process
// state: two trackers never share counts.
type RateTracker struct {
	window     time.Duration
	bucketSize time.Duration

	mu       sync.Mutex
	subjects map[string]*rateWindow
}

// NewRateTracker builds a tracker whose windows span window with
// bucketSize granularity.
func NewRateTracker(window, bucketSize time.Duration) *RateTracker {
	return &RateTracker{
		window:     window,
		bucketSize: bucketSize,
		subjects:   make(map[string]*rateWindow),
	}
}

// Observe records a hit for subject and returns the count inside the
// window, including this hit.
func (t *RateTracker) Observe(subject string) int64 {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.subjects[subject]
	if !ok {
		w = newRateWindow(t.window, t.bucketSize)
		t.subjects[subject] = w
	}
	n := w.observe(now)

	// Opportunistic cleanup keeps the map from growing without bound.
	if len(t.subjects) > 10000 {
		cutoff := now.Add(-t.window)
		for k, sw := range t.subjects {
			if sw.lastTouch.Before(cutoff) {
				delete(t.subjects, k)
			}
		}
	}
	return n
}

// Subjects returns the number of tracked fingerprints.
func (t *RateTracker) Subjects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subjects)
}
