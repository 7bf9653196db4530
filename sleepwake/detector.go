// Package sleepwake guesses when the machine has been suspended.
//
// A heartbeat calls SleepCheck every few seconds. If the previous heartbeat is
// much older than it should be, the process was probably not running, and the
// detector opens a short grace window in which background work should hold
// off while network and disk come back.
package sleepwake

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type Config struct {
	// Heartbeat period the controller schedules SleepCheck at.
	CheckPeriod time.Duration `yaml:"check_period"`
	// A gap between checks longer than this counts as a sleep.
	Gap time.Duration `yaml:"gap"`
	// How long after waking JustWokeFromSleep stays true.
	Grace time.Duration `yaml:"grace"`
}

func DefaultConfig() Config {
	return Config{
		CheckPeriod: 15 * time.Second,
		Gap:         60 * time.Second,
		Grace:       15 * time.Second,
	}
}

type Detector struct {
	clock      clock.Clock
	timestamps *Timestamps
	config     Config
	logger     *zap.Logger

	lock     sync.Mutex
	justWoke bool
	onWake   []func()
}

func NewDetector(clk clock.Clock, timestamps *Timestamps, config Config, logger *zap.Logger) *Detector {
	if clk == nil {
		clk = clock.New()
	}
	if timestamps == nil {
		timestamps = NewTimestamps(clk)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.CheckPeriod <= 0 {
		config.CheckPeriod = def.CheckPeriod
	}
	if config.Gap <= 0 {
		config.Gap = def.Gap
	}
	if config.Grace <= 0 {
		config.Grace = def.Grace
	}
	timestamps.Touch(TimestampLastSleepCheck)
	return &Detector{
		clock:      clk,
		timestamps: timestamps,
		config:     config,
		logger:     logger.Named("sleepwake"),
	}
}

func (d *Detector) Config() Config {
	return d.config
}

// OnWake registers f to run (outside the detector lock) whenever a wake is
// detected.
func (d *Detector) OnWake(f func()) {
	d.lock.Lock()
	d.onWake = append(d.onWake, f)
	d.lock.Unlock()
}

// SleepCheck is the heartbeat.
func (d *Detector) SleepCheck() {
	d.lock.Lock()
	now := d.clock.Now()
	woke := false
	if now.Sub(d.timestamps.Get(TimestampLastSleepCheck)) > d.config.Gap {
		d.justWoke = true
		woke = true
		// hold off idle work until the user has been away again
		d.timestamps.Set(TimestampLastUserAction, now)
		d.timestamps.Set(TimestampNowAwake, now.Add(d.config.Grace))
	} else if d.justWoke && !now.Before(d.timestamps.Get(TimestampNowAwake)) {
		d.justWoke = false
	}
	d.timestamps.Set(TimestampLastSleepCheck, now)
	var callbacks []func()
	if woke {
		callbacks = append(callbacks, d.onWake...)
	}
	d.lock.Unlock()

	if woke {
		d.logger.Info("woke from sleep", zap.Time("now_awake", now.Add(d.config.Grace)))
		for _, f := range callbacks {
			f()
		}
	}
}

// Restart takes now as the last heartbeat and ends any grace window. Call it
// when the heartbeat is about to begin, so time spent before that is not
// mistaken for a sleep.
func (d *Detector) Restart() {
	d.lock.Lock()
	d.justWoke = false
	d.timestamps.Touch(TimestampLastSleepCheck)
	d.lock.Unlock()
}

// JustWokeFromSleep reports whether we are inside the post-wake grace window.
func (d *Detector) JustWokeFromSleep() bool {
	d.SleepCheck()
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.justWoke
}

// SimulateWakeFromSleepEvent pretends the last heartbeat was an hour ago.
func (d *Detector) SimulateWakeFromSleepEvent() {
	d.lock.Lock()
	d.timestamps.Set(TimestampLastSleepCheck, d.clock.Now().Add(-time.Hour))
	d.lock.Unlock()
	d.SleepCheck()
}
