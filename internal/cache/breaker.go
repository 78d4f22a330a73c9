package cache

import (
	"sync"
	"time"
)

// breaker is a ring-buffer circuit breaker: it opens when the failure
// ratio within the last `window` calls reaches `failureRatio`, and calls
// fail fast (ErrBreakerOpen) while open. After openDuration it moves to a
// half-open trial: a single call is allowed through, and its outcome
// decides whether the breaker closes or reopens.
//
// No third-party circuit-breaker library appears anywhere in the example
// pack (searched for "breaker"/"circuit" across all retrieved repos and
// other_examples files); this is implemented directly against the
// standard library.
type breaker struct {
	mu           sync.Mutex
	window       int
	failureRatio float64
	openDuration time.Duration

	results    []bool // true = success
	cursor     int
	filled     int
	state      state
	openedAt   time.Time
	halfOpenTry bool
}

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func newBreaker(window int, failureRatio float64, openDuration time.Duration) *breaker {
	return &breaker{
		window:       window,
		failureRatio: failureRatio,
		openDuration: openDuration,
		results:      make([]bool, window),
	}
}

// allow reports whether a call may proceed.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.openedAt) >= b.openDuration {
			b.state = stateHalfOpen
			b.halfOpenTry = false
		} else {
			return false
		}
		fallthrough
	case stateHalfOpen:
		if b.halfOpenTry {
			return false // only one trial call in flight at a time
		}
		b.halfOpenTry = true
		return true
	}
	return true
}

func (b *breaker) recordSuccess() { b.record(true) }
func (b *breaker) recordFailure() { b.record(false) }

func (b *breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		b.halfOpenTry = false
		if success {
			b.state = stateClosed
			b.cursor, b.filled = 0, 0
		} else {
			b.state = stateOpen
			b.openedAt = time.Now()
		}
		return
	}

	b.results[b.cursor] = success
	b.cursor = (b.cursor + 1) % b.window
	if b.filled < b.window {
		b.filled++
	}

	if b.filled < b.window {
		return // not enough samples yet to judge the ratio
	}

	failures := 0
	for _, r := range b.results {
		if !r {
			failures++
		}
	}
	if float64(failures)/float64(b.filled) >= b.failureRatio {
		b.state = stateOpen
		b.openedAt = time.Now()
	}
}
