// Package pause computes human-like pacing decisions for batch sends.
//
// Every session gets a stable batch size derived from its name. Within a batch
// messages are separated by short pauses; the last message of each batch is
// preceded by a long pause. Classification is deterministic, only the duration
// is random.
package pause

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Kind classifies a pause.
type Kind string

const (
	KindShort Kind = "short"
	KindLong  Kind = "long"
)

// Pacing constants
const (
	// MinBatchSize is the smallest per-session batch size.
	MinBatchSize = 8
	// batchSpread is the number of distinct batch sizes, giving [8,15].
	batchSpread = 8

	LongMinSeconds  = 50
	LongMaxSeconds  = 120
	ShortMinSeconds = 2
	ShortMaxSeconds = 8
)

// Decision is a transient pacing decision. It is consumed immediately, never stored.
type Decision struct {
	Kind     Kind          `json:"type"`
	Duration time.Duration `json:"duration"`
}

// Seconds returns the duration in whole seconds.
func (d Decision) Seconds() int {
	return int(d.Duration / time.Second)
}

// BatchSize returns the stable batch size in [8,15] for a session name.
// It is the sum of the name's character codes modulo 8, plus 8.
func BatchSize(session string) int {
	sum := 0
	for _, r := range session {
		sum += int(r)
	}
	return MinBatchSize + sum%batchSpread
}

// IsLong reports whether the message at sequenceIndex is preceded by a long pause.
// Index 0 is never long.
func IsLong(sequenceIndex int, session string) bool {
	if sequenceIndex <= 0 {
		return false
	}
	return (sequenceIndex+1)%BatchSize(session) == 0
}

// Engine computes pause decisions from an injectable random source.
// The zero value uses the global math/rand/v2 source.
type Engine struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewEngine creates an engine drawing durations from src. A nil src uses the
// global source.
func NewEngine(src rand.Source) *Engine {
	if src == nil {
		return &Engine{}
	}
	return &Engine{rnd: rand.New(src)}
}

// Compute returns the pause that should precede the message at sequenceIndex
// for the given session.
func (e *Engine) Compute(sequenceIndex int, session string) Decision {
	if IsLong(sequenceIndex, session) {
		return Decision{Kind: KindLong, Duration: e.secondsBetween(LongMinSeconds, LongMaxSeconds)}
	}
	return Decision{Kind: KindShort, Duration: e.secondsBetween(ShortMinSeconds, ShortMaxSeconds)}
}

// secondsBetween draws a whole number of seconds uniformly from [lo,hi].
func (e *Engine) secondsBetween(lo, hi int) time.Duration {
	n := hi - lo + 1
	var v int
	if e.rnd == nil {
		v = rand.IntN(n)
	} else {
		e.mu.Lock()
		v = e.rnd.IntN(n)
		e.mu.Unlock()
	}
	return time.Duration(lo+v) * time.Second
}
