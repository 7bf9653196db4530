package sleepwake

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	TimestampBoot           = "boot"
	TimestampLastSleepCheck = "last_sleep_check"
	TimestampNowAwake       = "now_awake"
	TimestampLastUserAction = "last_user_action"
	TimestampLastMaintained = "last_maintenance"
)

// Timestamps records when named events last happened.
type Timestamps struct {
	lock  sync.Mutex
	clock clock.Clock
	times map[string]time.Time
}

func NewTimestamps(clk clock.Clock) *Timestamps {
	if clk == nil {
		clk = clock.New()
	}
	return &Timestamps{
		clock: clk,
		times: make(map[string]time.Time),
	}
}

// Touch records name as happening now.
func (t *Timestamps) Touch(name string) {
	t.Set(name, t.clock.Now())
}

func (t *Timestamps) Set(name string, at time.Time) {
	t.lock.Lock()
	t.times[name] = at
	t.lock.Unlock()
}

// Get returns the zero time for names never set.
func (t *Timestamps) Get(name string) time.Time {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.times[name]
}

// Since returns how long ago name happened, or false if it never did.
func (t *Timestamps) Since(name string) (time.Duration, bool) {
	at := t.Get(name)
	if at.IsZero() {
		return 0, false
	}
	return t.clock.Since(at), true
}

func (t *Timestamps) Snapshot() map[string]time.Time {
	t.lock.Lock()
	defer t.lock.Unlock()
	out := make(map[string]time.Time, len(t.times))
	for k, v := range t.times {
		out[k] = v
	}
	return out
}
