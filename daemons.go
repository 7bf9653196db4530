package turbocore

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
	"time"

	"github.com/pbnjay/memory"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	pctx "github.com/gaohao-creator/turbocore/context"
	"github.com/gaohao-creator/turbocore/errors"
	"github.com/gaohao-creator/turbocore/jobs"
	"github.com/gaohao-creator/turbocore/sleepwake"
	"github.com/gaohao-creator/turbocore/task"
)

const (
	DaemonSleepCheck        = "sleep_check"
	DaemonThreadPool        = "thread_pool_maintenance"
	DaemonMemoryMaintenance = "memory_maintenance"
	DaemonDBIdle            = "db_idle_maintenance"
)

// RegisterDaemon runs f as a named repeating job until the view shuts down.
// The ctx handed to f is cancelled at view shutdown. Registering a name again
// replaces the old daemon.
func (c *Controller) RegisterDaemon(name string, initialDelay, period time.Duration, f task.Func) *jobs.Job {
	view := c.proc.ViewCtx()
	job := c.CallRepeating(name, initialDelay, period, func(ctx context.Context) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(view, cancel)
		defer stop()
		err := f(ctx)
		if errors.IsStopped(view, err) {
			return errors.ErrorShutdown
		}
		return err
	})

	c.daemonsLock.Lock()
	old := c.daemons[name]
	c.daemons[name] = job
	c.daemonsLock.Unlock()
	if old != nil {
		old.Cancel()
	}
	return job
}

// Daemon returns the daemon registered under name, or nil.
func (c *Controller) Daemon(name string) *jobs.Job {
	c.daemonsLock.Lock()
	defer c.daemonsLock.Unlock()
	return c.daemons[name]
}

// DaemonNames lists the registered daemons, sorted.
func (c *Controller) DaemonNames() []string {
	c.daemonsLock.Lock()
	defer c.daemonsLock.Unlock()
	names := make([]string, 0, len(c.daemons))
	for name := range c.daemons {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Controller) DaemonCount() int {
	c.daemonsLock.Lock()
	defer c.daemonsLock.Unlock()
	return len(c.daemons)
}

// stopDaemons cancels every daemon and waits up to timeout for the running
// ones to finish.
func (c *Controller) stopDaemons(timeout time.Duration) error {
	c.daemonsLock.Lock()
	daemons := c.daemons
	c.daemons = make(map[string]*jobs.Job)
	c.daemonsLock.Unlock()

	cc := pctx.NewContextWithTimeout(context.Background(), timeout)
	defer cc.Cancel()
	var g errgroup.Group
	for name, job := range daemons {
		job.Cancel()
		g.Go(func() error {
			if err := job.WaitIdle(cc.Ctx); err != nil {
				c.logger.Warn("daemon still running at shutdown", zap.String("daemon", name))
				return errors.ErrorDaemonShutdownTimeout
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Controller) registerStandardDaemons() {
	cfg := c.config
	c.RegisterDaemon(DaemonSleepCheck, 0, cfg.Sleep.CheckPeriod, func(ctx context.Context) error {
		c.SleepCheck()
		return nil
	})
	c.RegisterDaemon(DaemonThreadPool, cfg.Pool.MaintenancePeriod, cfg.Pool.MaintenancePeriod, c.maintainThreadPools)
	c.RegisterDaemon(DaemonMemoryMaintenance, cfg.Daemons.MemoryPeriod, cfg.Daemons.MemoryPeriod, c.maintainMemory)

	db := c.RegisterDaemon(DaemonDBIdle, cfg.Daemons.DBMaintenancePeriod, cfg.Daemons.DBMaintenancePeriod, c.maintainDBWhenIdle)
	db.ShouldDelayOnWakeup(true)
}

func (c *Controller) maintainThreadPools(ctx context.Context) error {
	evicted := c.pool.MaintainPool() + c.longPool.MaintainPool()
	c.fast.ClearOutDead()
	c.slow.ClearOutDead()
	if evicted > 0 {
		c.logger.Debug("thread pool maintenance", zap.Int("evicted", evicted))
	}
	return nil
}

func (c *Controller) maintainMemory(ctx context.Context) error {
	var before runtime.MemStats
	runtime.ReadMemStats(&before)
	debug.FreeOSMemory()
	var after runtime.MemStats
	runtime.ReadMemStats(&after)

	fields := []zap.Field{
		zap.Uint64("heap_before", before.HeapAlloc),
		zap.Uint64("heap_after", after.HeapAlloc),
		zap.Uint64("released", after.HeapReleased),
		zap.Int("goroutines", runtime.NumGoroutine()),
	}
	if total := memory.TotalMemory(); total > 0 {
		fields = append(fields, zap.Uint64("system_total", total),
			zap.Float64("sys_share", float64(after.Sys)/float64(total)))
	}
	c.logger.Debug("memory maintenance", fields...)
	return nil
}

// maintainDBWhenIdle optimises the database only while the user is away and
// nothing else is contending.
func (c *Controller) maintainDBWhenIdle(ctx context.Context) error {
	if !c.CurrentlyIdle() || !c.GoodTimeToStartBackgroundWork() {
		return nil
	}
	db, err := c.backend()
	if err != nil {
		return err
	}
	if err := db.Maintain(ctx); err != nil {
		return err
	}
	c.timestamps.Touch(sleepwake.TimestampLastMaintained)
	return nil
}
