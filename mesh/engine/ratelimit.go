package engine

import "time"

// rateLimiter caps events per key inside a fixed window. Like the peer
// table it is owned by the processing loop and carries no locking.
type rateLimiter struct {
	limit   int
	window  time.Duration
	buckets map[string]*rateBucket
}

type rateBucket struct {
	count int
	reset time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*rateBucket),
	}
}

func (r *rateLimiter) Allow(key string, now time.Time) bool {
	if r.limit <= 0 {
		return true
	}
	b, ok := r.buckets[key]
	if !ok || now.After(b.reset) {
		r.buckets[key] = &rateBucket{count: 1, reset: now.Add(r.window)}
		return true
	}
	if b.count >= r.limit {
		return false
	}
	b.count++
	return true
}

// Prune drops expired buckets so the map does not grow with one entry
// per address ever seen.
func (r *rateLimiter) Prune(now time.Time) {
	for key, b := range r.buckets {
		if now.After(b.reset) {
			delete(r.buckets, key)
		}
	}
}
