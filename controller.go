// Package turbocore is the application controller: one object per process
// that owns the pubsub bus, the fast and slow job schedulers, the
// call-to-thread pools, the thread slot table, the sleep detector and the
// storage backend, and exposes them through one calling surface.
package turbocore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	pctx "github.com/gaohao-creator/turbocore/context"
	"github.com/gaohao-creator/turbocore/errors"
	"github.com/gaohao-creator/turbocore/jobs"
	"github.com/gaohao-creator/turbocore/metrics"
	"github.com/gaohao-creator/turbocore/profiling"
	"github.com/gaohao-creator/turbocore/pubsub"
	"github.com/gaohao-creator/turbocore/sleepwake"
	"github.com/gaohao-creator/turbocore/storage"
	"github.com/gaohao-creator/turbocore/task"
	"github.com/gaohao-creator/turbocore/threadpool"
)

// TopicWakeFromSleep is published when the sleep detector sees a resume.
const TopicWakeFromSleep = "wake_from_sleep"

type Controller struct {
	name    string
	config  Config
	options *Options
	logger  *zap.Logger
	clock   clock.Clock
	proc    *pctx.Process

	bus      *pubsub.Bus
	fast     *jobs.Scheduler
	slow     *jobs.Scheduler
	pool     *threadpool.Pool
	longPool *threadpool.Pool
	slots    *threadpool.Slots

	timestamps *sleepwake.Timestamps
	detector   *sleepwake.Detector
	profiler   *profiling.Profiler

	db     *storage.DB
	ownsDB bool

	daemonsLock sync.Mutex
	daemons     map[string]*jobs.Job

	state          atomic.Int32
	errorsReported atomic.Uint64
	loops          sync.WaitGroup
}

// New builds a controller. Nothing runs until InitModel.
func New(name string, config Config, options ...Option) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	opts := NewOptions(options...)
	logger := opts.Logger.Named(name)

	c := &Controller{
		name:    name,
		config:  config,
		options: opts,
		logger:  logger,
		clock:   opts.Clock,
		proc:    pctx.NewProcess(opts.Context),
		daemons: make(map[string]*jobs.Job),
		db:      opts.Storage,
	}
	c.profiler = profiling.New(c.clock, logger)
	c.timestamps = sleepwake.NewTimestamps(c.clock)
	c.detector = sleepwake.NewDetector(c.clock, c.timestamps, config.Sleep, logger)
	c.detector.OnWake(func() { c.Pub(TopicWakeFromSleep) })

	c.bus = pubsub.NewBus(c.proc,
		pubsub.WithLogger(logger),
		pubsub.WithProfiler(c.profiler),
		pubsub.WithProfileThreshold(config.Profiling.PubSubMin),
		pubsub.WithErrorHandler(c.ReportError),
	)

	c.fast = jobs.NewScheduler("fast", c.clock, logger, config.Scheduler.Config)
	c.slow = jobs.NewScheduler("slow", c.clock, logger, config.Scheduler.Config)

	poolOptions := func(name string) []threadpool.Option {
		return []threadpool.Option{
			threadpool.WithContext(c.proc.ModelCtx()),
			threadpool.WithExpiryDuration(config.Pool.Expiry),
			threadpool.WithErrorHandler(c.ReportError),
			threadpool.WithMiddleware(c.profiler.Middleware(c.proc, pctx.ModeProfileThreads, name, config.Profiling.ThreadsMin)),
			threadpool.WithLogger(logger),
		}
	}
	c.pool = threadpool.NewPool("call_to_thread", config.Pool.MaxWorkers, poolOptions("call_to_thread")...)
	c.longPool = threadpool.NewPool("call_to_thread_long_running", 0, poolOptions("call_to_thread_long_running")...)
	c.slots = threadpool.NewSlots(config.Slots)

	for _, m := range config.Profiling.Modes {
		c.proc.SetMode(pctx.Mode(m), true)
	}
	c.state.Store(STATE_NEW)
	return c, nil
}

func (c *Controller) Name() string {
	return c.name
}

func (c *Controller) Config() Config {
	return c.config
}

func (c *Controller) Logger() *zap.Logger {
	return c.logger
}

func (c *Controller) Clock() clock.Clock {
	return c.clock
}

func (c *Controller) Process() *pctx.Process {
	return c.proc
}

func (c *Controller) Profiler() *profiling.Profiler {
	return c.profiler
}

/* ------------------------------------------------- */
/* lifecycle */
/* ------------------------------------------------- */

// InitModel opens storage and starts the schedulers and the pubsub drain.
func (c *Controller) InitModel() error {
	if !c.state.CompareAndSwap(STATE_NEW, STATE_MODEL) {
		return nil
	}
	c.timestamps.Touch(sleepwake.TimestampBoot)
	c.timestamps.Touch(sleepwake.TimestampLastUserAction)
	c.detector.Restart()

	if c.db == nil {
		db, err := storage.Open(c.config.Database.Path,
			storage.WithLogger(c.logger),
			storage.WithProcess(c.proc),
			storage.WithErrorHandler(c.ReportError),
		)
		if err != nil {
			c.state.Store(STATE_NEW)
			return err
		}
		c.db = db
		c.ownsDB = true
	}

	if reg := c.options.Registerer; reg != nil {
		if _, err := metrics.Register(reg, metrics.DefaultNamespace, c.Stats); err != nil {
			c.logger.Warn("metrics not registered", zap.Error(err))
		}
	}

	ctx := c.proc.ModelCtx()
	for _, s := range []*jobs.Scheduler{c.fast, c.slow} {
		c.loops.Add(1)
		go func(s *jobs.Scheduler) {
			defer c.loops.Done()
			s.Run(ctx)
		}(s)
	}
	c.loops.Add(1)
	go func() {
		defer c.loops.Done()
		if err := c.bus.Run(ctx); err != nil {
			c.logger.Info("pubsub drain stopped", zap.Error(err))
		}
	}()
	c.logger.Info("model initialised", zap.String("database", c.config.Database.Path))
	return nil
}

// InitView registers the standard daemons.
func (c *Controller) InitView() error {
	if c.state.Load() == STATE_NEW {
		return errors.ErrorModelNotInitialised
	}
	if !c.state.CompareAndSwap(STATE_MODEL, STATE_VIEW) {
		return nil
	}
	c.detector.Restart()
	c.registerStandardDaemons()
	c.logger.Info("view initialised", zap.Int("daemons", c.DaemonCount()))
	return nil
}

// ShutdownView cancels every daemon and waits for running ones, up to
// daemons.shutdown_timeout. Past the timeout it gives up waiting and says so.
func (c *Controller) ShutdownView() error {
	for {
		s := c.state.Load()
		if s >= STATE_VIEW_DOWN {
			return nil
		}
		if c.state.CompareAndSwap(s, STATE_VIEW_DOWN) {
			break
		}
	}
	c.proc.ShutdownView()
	err := c.stopDaemons(c.config.Daemons.ShutdownTimeout)
	if err != nil {
		c.ReportError(err)
	}
	c.logger.Info("view shut down")
	return err
}

// ShutdownModel shuts the view down if needed, then stops the schedulers,
// drains both pools and closes storage.
func (c *Controller) ShutdownModel() error {
	var errs error
	if c.state.Load() < STATE_VIEW_DOWN {
		errs = multierr.Append(errs, c.ShutdownView())
	}
	if c.state.Swap(STATE_MODEL_DOWN) == STATE_MODEL_DOWN {
		return nil
	}

	c.proc.ShutdownModel()
	c.fast.Shutdown()
	c.slow.Shutdown()
	c.bus.Close()
	c.loops.Wait()

	timeout := c.config.Daemons.ShutdownTimeout
	errs = multierr.Append(errs, c.pool.ReleaseWithTimeout(timeout))
	errs = multierr.Append(errs, c.longPool.ReleaseWithTimeout(timeout))
	if c.ownsDB && c.db != nil {
		errs = multierr.Append(errs, c.db.Close())
	}
	c.logger.Info("model shut down", zap.Error(errs))
	return errs
}

/* ------------------------------------------------- */
/* scheduling */
/* ------------------------------------------------- */

func (c *Controller) schedulerFor(d time.Duration) *jobs.Scheduler {
	if d <= c.config.Scheduler.FastThreshold {
		return c.fast
	}
	return c.slow
}

// CallLater runs f once, delay from now, on the scheduler that fits delay.
func (c *Controller) CallLater(name string, delay time.Duration, f task.Func) *jobs.Job {
	return c.callLater(c.schedulerFor(delay), name, delay, f)
}

func (c *Controller) CallLaterFast(name string, delay time.Duration, f task.Func) *jobs.Job {
	return c.callLater(c.fast, name, delay, f)
}

func (c *Controller) CallLaterSlow(name string, delay time.Duration, f task.Func) *jobs.Job {
	return c.callLater(c.slow, name, delay, f)
}

func (c *Controller) callLater(s *jobs.Scheduler, name string, delay time.Duration, f task.Func) *jobs.Job {
	job := jobs.NewSingleJob(c, s, name, delay, f)
	if err := s.AddJob(job); err != nil {
		c.logger.Debug("job not scheduled", zap.String("job", name), zap.Error(err))
	}
	return job
}

// CallRepeating runs f initialDelay from now and then period after each
// completion, until the job is cancelled.
func (c *Controller) CallRepeating(name string, initialDelay, period time.Duration, f task.Func) *jobs.Job {
	period = jobs.RepeatingPeriod(period)
	s := c.schedulerFor(period)
	job := jobs.NewRepeatingJob(c, s, name, initialDelay, period, f)
	if err := s.AddJob(job); err != nil {
		c.logger.Debug("job not scheduled", zap.String("job", name), zap.Error(err))
	}
	return job
}

// CallToThread runs f on the general pool.
func (c *Controller) CallToThread(f task.Func) error {
	return c.pool.Submit(context.Background(), f)
}

// CallToThreadContext is CallToThread for callers that are themselves pool
// callables. Passing their ctx lets the pool grow past its cap instead of
// queueing the work behind the caller.
func (c *Controller) CallToThreadContext(ctx context.Context, f task.Func) error {
	return c.pool.Submit(ctx, f)
}

// CallToThreadLongRunning runs f on the unbounded pool for work that blocks
// for a long time.
func (c *Controller) CallToThreadLongRunning(f task.Func) error {
	return c.longPool.Submit(context.Background(), f)
}

func (c *Controller) AcquireThreadSlot(slotType string) bool {
	return c.slots.Acquire(slotType)
}

func (c *Controller) ReleaseThreadSlot(slotType string) {
	c.slots.Release(slotType)
}

// SetThreadSlotMax changes a slot type's capacity. Below one removes the cap.
func (c *Controller) SetThreadSlotMax(slotType string, max int) {
	c.slots.SetMax(slotType, max)
}

// JobSummary describes the waiting jobs of both schedulers.
func (c *Controller) JobSummary() string {
	return c.fast.GetPrettyJobSummary() + "\n" + c.slow.GetPrettyJobSummary()
}

/* ------------------------------------------------- */
/* pubsub */
/* ------------------------------------------------- */

func (c *Controller) Pub(topic string, args ...any) {
	c.bus.Pub(topic, args...)
}

func (c *Controller) PubImmediate(topic string, args ...any) error {
	return c.bus.PubImmediate(topic, args...)
}

// Sub calls method on ref's object whenever topic is published.
func (c *Controller) Sub(ref pubsub.Ref, method string, topic string) error {
	return c.bus.Sub(ref, method, topic)
}

func (c *Controller) Unsub(ref pubsub.Ref) {
	c.bus.Unsub(ref)
}

// ProcessPubSub drains the pending publications now. The model does this on
// its own; tests and tools call it to drain synchronously. It returns at once
// if a drain is already running.
func (c *Controller) ProcessPubSub() error {
	return c.bus.Process()
}

/* ------------------------------------------------- */
/* storage */
/* ------------------------------------------------- */

func (c *Controller) backend() (*storage.DB, error) {
	if c.db == nil || c.state.Load() == STATE_NEW {
		return nil, errors.ErrorModelNotInitialised
	}
	return c.db, nil
}

func (c *Controller) Read(ctx context.Context, action string, args ...any) (any, error) {
	db, err := c.backend()
	if err != nil {
		return nil, err
	}
	return db.Read(ctx, action, args...)
}

// Write queues a write and returns. A failure reaches ReportError.
func (c *Controller) Write(ctx context.Context, action string, args ...any) error {
	db, err := c.backend()
	if err != nil {
		return err
	}
	return db.Write(ctx, action, args...)
}

func (c *Controller) WriteSynchronous(ctx context.Context, action string, args ...any) (any, error) {
	db, err := c.backend()
	if err != nil {
		return nil, err
	}
	return db.WriteSynchronous(ctx, action, args...)
}

/* ------------------------------------------------- */
/* sleep and idle */
/* ------------------------------------------------- */

func (c *Controller) SleepCheck() {
	c.detector.SleepCheck()
}

func (c *Controller) JustWokeFromSleep() bool {
	return c.detector.JustWokeFromSleep()
}

func (c *Controller) SimulateWakeFromSleepEvent() {
	c.detector.SimulateWakeFromSleepEvent()
}

func (c *Controller) TouchTimestamp(name string) {
	c.timestamps.Touch(name)
}

func (c *Controller) GetTimestamp(name string) time.Time {
	return c.timestamps.Get(name)
}

// CurrentlyIdle reports whether there has been no user action for
// idle.period.
func (c *Controller) CurrentlyIdle() bool {
	since, ok := c.timestamps.Since(sleepwake.TimestampLastUserAction)
	if !ok {
		since, ok = c.timestamps.Since(sleepwake.TimestampBoot)
	}
	return ok && since >= c.config.Idle.Period
}

// SystemBusy is true while the busy lock is held or the general pool is at
// its cap with no idle worker.
func (c *Controller) SystemBusy() bool {
	if c.proc.IsBusy() {
		return true
	}
	st := c.pool.Stats()
	return st.Cap > 0 && st.Running >= st.Cap && st.Idle == 0
}

func (c *Controller) GoodTimeToStartBackgroundWork() bool {
	return !c.proc.ModelIsShutdown() && !c.JustWokeFromSleep() && !c.SystemBusy()
}

func (c *Controller) GoodTimeToStartForegroundWork() bool {
	return !c.proc.ModelIsShutdown() && !c.JustWokeFromSleep()
}

/* ------------------------------------------------- */
/* monitoring */
/* ------------------------------------------------- */

// ReportError is the side channel for contained failures.
func (c *Controller) ReportError(err error) {
	if err == nil || errors.IsStopped(c.proc.ModelCtx(), err) {
		return
	}
	c.errorsReported.Add(1)
	c.logger.Debug("error reported", zap.Error(err))
	if eh := c.options.ErrorHandler; eh != nil {
		eh(err)
	}
}

func (c *Controller) ErrorsReported() uint64 {
	return c.errorsReported.Load()
}

func (c *Controller) Stats() metrics.Snapshot {
	return metrics.Snapshot{
		Pools: []threadpool.Stats{c.pool.Stats(), c.longPool.Stats()},
		Schedulers: []metrics.SchedulerStats{
			{Name: c.fast.Name(), Jobs: c.fast.Len()},
			{Name: c.slow.Name(), Jobs: c.slow.Len()},
		},
		Slots:          c.slots.Stats(),
		Bus:            c.bus.Stats(),
		Daemons:        c.DaemonCount(),
		ErrorsReported: c.ErrorsReported(),
	}
}
