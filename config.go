package turbocore

import (
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	pctx "github.com/gaohao-creator/turbocore/context"
	"github.com/gaohao-creator/turbocore/jobs"
	"github.com/gaohao-creator/turbocore/profiling"
	"github.com/gaohao-creator/turbocore/pubsub"
	"github.com/gaohao-creator/turbocore/sleepwake"
	"github.com/gaohao-creator/turbocore/threadpool"
)

type PoolConfig struct {
	// Cap of the general call-to-thread pool. The long-running pool is
	// unbounded.
	MaxWorkers int `yaml:"max_workers"`
	// Idle time after which a worker is evicted. Zero evicts every idle
	// worker on each sweep.
	Expiry            time.Duration `yaml:"expiry"`
	MaintenancePeriod time.Duration `yaml:"maintenance_period"`
}

type SchedulerConfig struct {
	jobs.Config `yaml:",inline"`

	// Delays and periods up to this go to the fast scheduler.
	FastThreshold time.Duration `yaml:"fast_threshold"`
}

type IdleConfig struct {
	// No user action for this long makes the process idle.
	Period time.Duration `yaml:"period"`
}

type DaemonsConfig struct {
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	MemoryPeriod        time.Duration `yaml:"memory_period"`
	DBMaintenancePeriod time.Duration `yaml:"db_maintenance_period"`
}

type ProfilingConfig struct {
	PubSubMin  time.Duration `yaml:"pubsub_min"`
	ThreadsMin time.Duration `yaml:"threads_min"`
	// Modes switched on at boot.
	Modes []string `yaml:"modes,omitempty"`

	profiling.ProcessConfig `yaml:",inline"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type Config struct {
	Pool      PoolConfig       `yaml:"pool"`
	// Thread slot maxima by type. Zero lifts the limit, also for a default
	// type such as misc.
	Slots     map[string]int   `yaml:"slots"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Sleep     sleepwake.Config `yaml:"sleep"`
	Idle      IdleConfig       `yaml:"idle"`
	Daemons   DaemonsConfig    `yaml:"daemons"`
	Profiling ProfilingConfig  `yaml:"profiling"`
	Database  DatabaseConfig   `yaml:"database"`
	Log       LogConfig        `yaml:"log"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

func DefaultConfig() Config {
	slots := make(map[string]int, len(threadpool.DefaultSlots))
	for k, v := range threadpool.DefaultSlots {
		slots[k] = v
	}
	return Config{
		Pool: PoolConfig{
			MaxWorkers:        threadpool.DefaultMaxWorkers,
			MaintenancePeriod: 10 * time.Second,
		},
		Slots: slots,
		Scheduler: SchedulerConfig{
			Config:        jobs.DefaultConfig(),
			FastThreshold: time.Second,
		},
		Sleep: sleepwake.DefaultConfig(),
		Idle: IdleConfig{
			Period: 5 * time.Minute,
		},
		Daemons: DaemonsConfig{
			ShutdownTimeout:     30 * time.Second,
			MemoryPeriod:        5 * time.Minute,
			DBMaintenancePeriod: 5 * time.Minute,
		},
		Profiling: ProfilingConfig{
			PubSubMin:  pubsub.DefaultProfileThreshold,
			ThreadsMin: 20 * time.Millisecond,
		},
		Database: DatabaseConfig{
			Path: ":memory:",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads a YAML file over the defaults. Unknown keys are an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

var knownModes = map[pctx.Mode]bool{
	pctx.ModeProfileUI:      true,
	pctx.ModeProfileThreads: true,
	pctx.ModeThreadDebug:    true,
	pctx.ModeDBReport:       true,
	pctx.ModePubSubReport:   true,
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Pool.MaxWorkers >= 0, "pool.max_workers must not be negative")
	check(c.Pool.Expiry >= 0, "pool.expiry must not be negative")
	check(c.Pool.MaintenancePeriod > 0, "pool.maintenance_period must be positive")
	for name, n := range c.Slots {
		check(n >= 0, "slots.%s must not be negative", name)
	}
	check(c.Scheduler.MaxStartsPerLoop > 0, "scheduler.max_starts_per_loop must be positive")
	check(c.Scheduler.MaxWait > 0, "scheduler.max_wait must be positive")
	check(c.Scheduler.SlotRetryDelay > 0, "scheduler.slot_retry_delay must be positive")
	check(c.Scheduler.FastThreshold >= 0, "scheduler.fast_threshold must not be negative")
	check(c.Sleep.CheckPeriod > 0, "sleep.check_period must be positive")
	check(c.Sleep.Gap > c.Sleep.CheckPeriod, "sleep.gap must be longer than sleep.check_period")
	check(c.Sleep.Grace >= 0, "sleep.grace must not be negative")
	check(c.Idle.Period > 0, "idle.period must be positive")
	check(c.Daemons.ShutdownTimeout > 0, "daemons.shutdown_timeout must be positive")
	check(c.Daemons.MemoryPeriod > 0, "daemons.memory_period must be positive")
	check(c.Daemons.DBMaintenancePeriod > 0, "daemons.db_maintenance_period must be positive")
	for _, m := range c.Profiling.Modes {
		check(knownModes[pctx.Mode(m)], "profiling.modes: unknown mode %q", m)
	}
	check(c.Database.Path != "", "database.path must be set")
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errs
}

// Build makes the process logger.
func (c LogConfig) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
