package healthcheck

import (
	"sync"
	"time"
)

// DefaultFailureThreshold is the number of consecutive failed invocations
// after which the process reports unhealthy.
const DefaultFailureThreshold = 3

// Snapshot describes the latest invocation details.
type Snapshot struct {
	LastInvocationTime   *time.Time `json:"last_invocation_time"`
	InvocationDurationMS int64      `json:"invocation_duration_ms"`
	Invocations          int64      `json:"invocations"`
	Rejected             int64      `json:"rejected"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	LastError            string     `json:"last_error,omitempty"`
}

// Tracker records invocation outcomes for health endpoints.
type Tracker struct {
	mu                  sync.RWMutex
	lastInvocation      time.Time
	invocationDuration  time.Duration
	invocations         int64
	rejected            int64
	consecutiveFailures int
	lastError           string
	ready               bool
	now                 func() time.Time
}

// NewTracker constructs a new Tracker.
func NewTracker() *Tracker {
	return &Tracker{now: func() time.Time { return time.Now().UTC() }}
}

// MarkReady flags the process as able to accept events.
func (t *Tracker) MarkReady() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.ready = true
	t.mu.Unlock()
}

// RecordInvocation updates invocation timing and the failure streak.
func (t *Tracker) RecordInvocation(duration time.Duration, err error) {
	if t == nil {
		return
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastInvocation = now
	t.invocationDuration = duration
	t.invocations++
	if err != nil {
		t.consecutiveFailures++
		t.lastError = err.Error()
		return
	}
	t.consecutiveFailures = 0
	t.lastError = ""
}

// RecordRejection counts an invocation refused because of bad input. Rejections do not
// affect the failure streak.
func (t *Tracker) RecordRejection(duration time.Duration) {
	if t == nil {
		return
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastInvocation = now
	t.invocationDuration = duration
	t.invocations++
	t.rejected++
}

// Snapshot returns the current tracker snapshot.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var last *time.Time
	if !t.lastInvocation.IsZero() {
		value := t.lastInvocation
		last = &value
	}
	return Snapshot{
		LastInvocationTime:   last,
		InvocationDurationMS: int64(t.invocationDuration / time.Millisecond),
		Invocations:          t.invocations,
		Rejected:             t.rejected,
		ConsecutiveFailures:  t.consecutiveFailures,
		LastError:            t.lastError,
	}
}

// Ready reports whether MarkReady has been called.
func (t *Tracker) Ready() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready
}

// Healthy reports whether fewer than threshold invocations have failed in a row.
func (t *Tracker) Healthy(threshold int) bool {
	if t == nil {
		return false
	}
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.consecutiveFailures < threshold
}
