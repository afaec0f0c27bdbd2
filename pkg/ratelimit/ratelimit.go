package ratelimit

import (
	"sync"
	"time"
)

const (
	windowRPM = 60 * time.Second
	windowRPS = time.Second

	// maxStamps bounds memory per bucket regardless of configured limits.
	maxStamps = 10000
)

// Limiter is a sliding-window rate limiter over named buckets. The global
// limiter uses the empty bucket key; the per-key limiter uses key labels.
// Thresholds <= 0 disable the corresponding window.
type Limiter struct {
	maxRPS int
	maxRPM int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	mu     sync.Mutex
	stamps []time.Time
}

// New builds a limiter with the given per-second and per-minute thresholds.
func New(maxRPS, maxRPM int) *Limiter {
	return &Limiter{
		maxRPS:  maxRPS,
		maxRPM:  maxRPM,
		buckets: make(map[string]*bucket),
	}
}

// Allow records an acceptance and returns true, or returns false without
// recording when either window is full. Calls are serialized per bucket.
func (l *Limiter) Allow(bucketKey string) bool {
	return l.allowAt(bucketKey, time.Now())
}

func (l *Limiter) allowAt(bucketKey string, now time.Time) bool {
	if l.maxRPS <= 0 && l.maxRPM <= 0 {
		return true
	}

	l.mu.Lock()
	b, ok := l.buckets[bucketKey]
	if !ok {
		b = &bucket{}
		l.buckets[bucketKey] = b
	}
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-windowRPM)
	kept := b.stamps[:0]
	for _, ts := range b.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.stamps = kept

	if l.maxRPM > 0 && len(b.stamps) >= l.maxRPM {
		return false
	}
	if l.maxRPS > 0 {
		secondCutoff := now.Add(-windowRPS)
		recent := 0
		for i := len(b.stamps) - 1; i >= 0; i-- {
			if !b.stamps[i].After(secondCutoff) {
				break
			}
			recent++
		}
		if recent >= l.maxRPS {
			return false
		}
	}

	b.stamps = append(b.stamps, now)
	if len(b.stamps) > maxStamps {
		b.stamps = b.stamps[len(b.stamps)-maxStamps:]
	}
	return true
}
