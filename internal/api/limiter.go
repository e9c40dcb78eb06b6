package api

import (
	"maps"
	"sync"
)

// DefaultDailyLimit is the default number of sends a session may queue per day.
const DefaultDailyLimit = 50

// DailyLimiter counts accepted sends per session against a daily ceiling.
// Counts are cleared by Reset, normally from a midnight cron job. A limit of
// zero or less disables the ceiling.
type DailyLimiter struct {
	mu     sync.Mutex
	limit  int
	counts map[string]int
}

// NewDailyLimiter returns a limiter allowing limit sends per session per day.
func NewDailyLimiter(limit int) *DailyLimiter {
	return &DailyLimiter{limit: limit, counts: make(map[string]int)}
}

// Limit returns the configured ceiling.
func (l *DailyLimiter) Limit() int {
	return l.limit
}

// Allow records one send for session and reports whether it fits the ceiling.
// A rejected send is not counted.
func (l *DailyLimiter) Allow(session string) bool {
	return l.AllowN(session, 1) == 1
}

// AllowN records up to n sends for session and returns how many fit.
func (l *DailyLimiter) AllowN(session string, n int) int {
	if n <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit <= 0 {
		l.counts[session] += n
		return n
	}
	room := l.limit - l.counts[session]
	if room <= 0 {
		return 0
	}
	granted := min(n, room)
	l.counts[session] += granted
	return granted
}

// Remaining returns how many sends session has left today, or -1 when unlimited.
func (l *DailyLimiter) Remaining(session string) int {
	if l.limit <= 0 {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return max(l.limit-l.counts[session], 0)
}

// Counts returns a copy of today's per-session counts.
func (l *DailyLimiter) Counts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.counts)
}

// Reset clears every counter.
func (l *DailyLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.counts)
}
