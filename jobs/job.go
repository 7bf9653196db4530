package jobs

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	pctx "github.com/gaohao-creator/turbocore/context"
	"github.com/gaohao-creator/turbocore/errors"
	"github.com/gaohao-creator/turbocore/pubsub"
	"github.com/gaohao-creator/turbocore/task"
)

// Controller is what a job needs from the process that owns it.
type Controller interface {
	Process() *pctx.Process
	CallToThread(f task.Func) error
	AcquireThreadSlot(slotType string) bool
	ReleaseThreadSlot(slotType string)
	JustWokeFromSleep() bool
}

// Subscriber lets a job wake itself on a pubsub topic.
type Subscriber interface {
	Sub(ref pubsub.Ref, method string, topic string) error
}

// Job is one unit of delayed work. A single job runs once; a repeating job
// puts itself back on its scheduler period after each run until cancelled.
type Job struct {
	id         uuid.UUID
	name       string
	controller Controller
	scheduler  *Scheduler
	work       task.Func
	repeating  bool

	lock          sync.Mutex
	period        time.Duration // zero for single jobs
	nextWorkTime  time.Time
	seq           uint64 // insertion order, ties on nextWorkTime
	slotType      string
	delayOnWakeup bool

	workLock     sync.Mutex
	cancelled    atomic.Bool
	working      atomic.Bool
	workStarted  atomic.Bool
	workComplete atomic.Bool
	runs         atomic.Int64
}

func newJob(c Controller, s *Scheduler, name string, initialDelay, period time.Duration, work task.Func) *Job {
	if name == "" {
		name = "job"
	}
	return &Job{
		id:           uuid.New(),
		name:         name,
		controller:   c,
		scheduler:    s,
		work:         work,
		repeating:    period > 0,
		period:       period,
		nextWorkTime: s.clock.Now().Add(initialDelay),
	}
}

// NewSingleJob creates a job that runs once, initialDelay from now. It is not
// scheduled until it is passed to Scheduler.AddJob.
func NewSingleJob(c Controller, s *Scheduler, name string, initialDelay time.Duration, work task.Func) *Job {
	return newJob(c, s, name, initialDelay, 0, work)
}

// DefaultPeriod replaces a repeating period that is not positive.
const DefaultPeriod = time.Second

// RepeatingPeriod is the period a repeating job created with period runs at.
func RepeatingPeriod(period time.Duration) time.Duration {
	if period <= 0 {
		return DefaultPeriod
	}
	return period
}

// NewRepeatingJob creates a job that first runs initialDelay from now and then
// period after each completion.
func NewRepeatingJob(c Controller, s *Scheduler, name string, initialDelay, period time.Duration, work task.Func) *Job {
	return newJob(c, s, name, initialDelay, RepeatingPeriod(period), work)
}

func (j *Job) ID() uuid.UUID {
	return j.id
}

func (j *Job) Name() string {
	return j.name
}

func (j *Job) IsRepeating() bool {
	return j.repeating
}

func (j *Job) Period() time.Duration {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.period
}

// SetPeriod changes the period of a repeating job from its next run on.
func (j *Job) SetPeriod(period time.Duration) {
	if !j.IsRepeating() || period <= 0 {
		return
	}
	j.lock.Lock()
	j.period = period
	j.lock.Unlock()
}

// Cancel stops any future start. A run already in progress finishes.
func (j *Job) Cancel() {
	j.cancelled.Store(true)
	j.scheduler.JobCancelled()
}

func (j *Job) IsCancelled() bool {
	return j.cancelled.Load()
}

// IsDead reports whether the job will never run again.
func (j *Job) IsDead() bool {
	return j.IsCancelled() || (!j.IsRepeating() && j.workComplete.Load())
}

func (j *Job) IsDue() bool {
	return !j.scheduler.clock.Now().Before(j.NextWorkTime())
}

func (j *Job) IsWorkComplete() bool {
	return j.workComplete.Load()
}

// CurrentlyWorking is true from dispatch until the run finishes.
func (j *Job) CurrentlyWorking() bool {
	return j.working.Load()
}

// WorkStarted reports whether the callable has ever actually begun.
func (j *Job) WorkStarted() bool {
	return j.workStarted.Load()
}

// Runs counts completed invocations of the callable.
func (j *Job) Runs() int64 {
	return j.runs.Load()
}

func (j *Job) NextWorkTime() time.Time {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.nextWorkTime
}

func (j *Job) SetThreadSlotType(slotType string) {
	j.lock.Lock()
	j.slotType = slotType
	j.lock.Unlock()
}

// ShouldDelayOnWakeup makes the job wait out the just-woke grace window
// before doing its work.
func (j *Job) ShouldDelayOnWakeup(value bool) {
	j.lock.Lock()
	j.delayOnWakeup = value
	j.lock.Unlock()
}

// Wake makes the job due now.
func (j *Job) Wake() {
	j.WakeAt(j.scheduler.clock.Now())
}

func (j *Job) WakeAt(t time.Time) {
	j.lock.Lock()
	j.nextWorkTime = t
	j.lock.Unlock()
	j.scheduler.WorkTimesHaveChanged()
}

// Delay pushes the next run to d from now.
func (j *Job) Delay(d time.Duration) {
	j.WakeAt(j.scheduler.clock.Now().Add(d))
}

// WakeOnPubSub wakes the job whenever topic is published.
func (j *Job) WakeOnPubSub(s Subscriber, topic string) error {
	return s.Sub(pubsub.Weak(j), "Wake", topic)
}

// SlotOK reports whether the job may start now. When its thread slot is
// full, the job moves itself a few seconds into the future and says no.
func (j *Job) SlotOK() bool {
	j.lock.Lock()
	slotType := j.slotType
	j.lock.Unlock()
	if slotType == "" {
		return true
	}
	if j.controller.AcquireThreadSlot(slotType) {
		return true
	}
	jitter := time.Duration(rand.Int64N(int64(time.Second)))
	j.lock.Lock()
	j.nextWorkTime = j.scheduler.clock.Now().Add(j.scheduler.config.SlotRetryDelay + jitter)
	j.lock.Unlock()
	return false
}

// StartWork hands the job to the thread pool.
func (j *Job) StartWork() {
	if j.IsCancelled() {
		j.releaseSlot()
		return
	}
	j.working.Store(true)
	if j.controller.Process().Mode(pctx.ModeThreadDebug) {
		j.scheduler.logger.Info("starting job", zap.String("job", j.name), zap.Stringer("id", j.id))
	}
	if err := j.controller.CallToThread(j.Work); err != nil {
		j.releaseSlot()
		j.working.Store(false)
		if !errors.IsShutdown(err) && !errors.Is(err, errors.ErrorPoolClosed) {
			j.scheduler.logger.Error("could not dispatch job", zap.String("job", j.name), zap.Error(err))
		}
	}
}

// Work runs the callable once. It is what the thread pool executes.
func (j *Job) Work(ctx context.Context) (err error) {
	defer func() {
		j.releaseSlot()
		j.working.Store(false)
		if !j.IsRepeating() {
			j.workComplete.Store(true)
			return
		}
		if j.IsCancelled() || ctx.Err() != nil || j.controller.Process().ModelIsShutdown() {
			return
		}
		j.lock.Lock()
		j.nextWorkTime = j.scheduler.clock.Now().Add(j.period)
		j.lock.Unlock()
		_ = j.scheduler.AddJob(j)
	}()

	j.lock.Lock()
	delayOnWakeup := j.delayOnWakeup
	j.lock.Unlock()
	if delayOnWakeup {
		for j.controller.JustWokeFromSleep() {
			if j.IsCancelled() {
				return nil
			}
			if err := j.controller.Process().CheckShutdown(ctx); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return errors.ErrorShutdown
			case <-j.scheduler.clock.After(time.Second):
			}
		}
	}

	j.workLock.Lock()
	defer j.workLock.Unlock()
	if j.IsCancelled() {
		return nil
	}
	j.workStarted.Store(true)
	err = task.Run(ctx, j.work)
	j.runs.Add(1)
	if err != nil && !errors.IsStopped(ctx, err) {
		err = fmt.Errorf("job %s: %w", j.name, err)
	}
	return err
}

// WaitIdle blocks until the job is not working or ctx is done.
func (j *Job) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for j.CurrentlyWorking() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (j *Job) releaseSlot() {
	j.lock.Lock()
	slotType := j.slotType
	j.lock.Unlock()
	if slotType != "" {
		j.controller.ReleaseThreadSlot(slotType)
	}
}

// DueString describes when the job next runs.
func (j *Job) DueString() string {
	if j.IsCancelled() {
		return "cancelled"
	}
	if j.CurrentlyWorking() {
		return "working"
	}
	if !j.IsRepeating() && j.IsWorkComplete() {
		return "complete"
	}
	d := j.NextWorkTime().Sub(j.scheduler.clock.Now())
	if d <= 0 {
		return "due now"
	}
	return "due in " + d.Round(time.Millisecond).String()
}

func (j *Job) String() string {
	return j.name + ": " + j.DueString()
}

func (j *Job) before(other *Job) bool {
	a, b := j.NextWorkTime(), other.NextWorkTime()
	if a.Equal(b) {
		return j.seq < other.seq
	}
	return a.Before(b)
}
