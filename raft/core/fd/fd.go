// Package fd implements the §5 failure detector: a single timer, armed
// only while the replica is a VOTER and not LEADER, snoozed on every
// accepted append or granted vote, and firing exactly once per expiry
// under a single-flight guard. Adapted from the teacher's
// core.electionTimer/randomizedElectionTimeout (raft/core/core.go,
// raft/core/core_internal.go), which the teacher drives from a manual
// tick() call; here the timer owns its own goroutine since this module
// has no external tick-driver convention to match.
package fd

import (
	"math/rand"
	"sync"
	"time"
)

// Timer is the replica's single failure-detector timer.
type Timer struct {
	mu sync.Mutex

	base   time.Duration
	jitter time.Duration

	enabled bool
	firing  bool

	timer *time.Timer
	onExpire func()
}

// New returns a disabled Timer. base is the minimum election timeout;
// jitter is added uniformly at random on every (re)arm, per §5's
// randomized-timeout anti-split-vote measure.
func New(base, jitter time.Duration, onExpire func()) *Timer {
	return &Timer{base: base, jitter: jitter, onExpire: onExpire}
}

func (t *Timer) randomized() time.Duration {
	if t.jitter <= 0 {
		return t.base
	}
	return t.base + time.Duration(rand.Int63n(int64(t.jitter)))
}

// Enable arms the timer; called when the replica becomes a VOTER
// non-leader.
func (t *Timer) Enable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = true
	t.rearmLocked()
}

// Disable stops the timer; called when the replica becomes LEADER or a
// NON_VOTER.
func (t *Timer) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Snooze resets the timer to a fresh randomized deadline, used on every
// accepted append, granted vote, or (per §4.6) a backoff after a failed
// pre-election.
func (t *Timer) Snooze() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.rearmLocked()
}

// SnoozeFor is like Snooze but uses an explicit duration instead of the
// randomized base+jitter, used for the pre-election backoff in §4.6 ("wait
// longer after repeated failed elections").
func (t *Timer) SnoozeFor(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, t.fire)
}

func (t *Timer) rearmLocked() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.randomized(), t.fire)
}

// fire is the single-flight expiry guard: only one onExpire call may be
// in flight at a time, so a slow election attempt can't overlap a second
// one started by a racing re-fire.
func (t *Timer) fire() {
	t.mu.Lock()
	if t.firing || !t.enabled {
		t.mu.Unlock()
		return
	}
	t.firing = true
	cb := t.onExpire
	t.mu.Unlock()

	if cb != nil {
		cb()
	}

	t.mu.Lock()
	t.firing = false
	t.mu.Unlock()
}
