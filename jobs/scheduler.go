// Package jobs keeps a time-ordered queue of single and repeating jobs and
// starts them on the thread pool when they come due.
//
// The scheduler goroutine is the only one that reorders or filters its list.
// Other goroutines that cancel a job or move its due time just raise a flag,
// and the scheduler applies it before its next dispatch decision.
package jobs

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/gaohao-creator/turbocore/errors"
)

const (
	STATE_OPENED = int32(iota)
	STATE_CLOSED
)

type Config struct {
	// Jobs started per loop iteration before yielding.
	MaxStartsPerLoop int `yaml:"max_starts_per_loop"`
	// Longest the loop sleeps before re-checking.
	MaxWait time.Duration `yaml:"max_wait"`
	// Base delay before a job whose thread slot was full tries again. Up to a
	// second of jitter is added.
	SlotRetryDelay time.Duration `yaml:"slot_retry_delay"`
}

func DefaultConfig() Config {
	return Config{
		MaxStartsPerLoop: 10,
		MaxWait:          time.Second,
		SlotRetryDelay:   10 * time.Second,
	}
}

type Scheduler struct {
	name   string
	config Config
	clock  clock.Clock
	logger *zap.Logger

	lock    sync.Mutex
	waiting []*Job
	seq     uint64

	newJobArrived      chan struct{}
	sortNeeded         atomic.Bool
	cancelFilterNeeded atomic.Bool

	state atomic.Int32
	done  chan struct{}
}

func NewScheduler(name string, clk clock.Clock, logger *zap.Logger, config Config) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.MaxStartsPerLoop <= 0 {
		config.MaxStartsPerLoop = def.MaxStartsPerLoop
	}
	if config.MaxWait <= 0 {
		config.MaxWait = def.MaxWait
	}
	if config.SlotRetryDelay <= 0 {
		config.SlotRetryDelay = def.SlotRetryDelay
	}
	s := &Scheduler{
		name:          name,
		config:        config,
		clock:         clk,
		logger:        logger.Named("scheduler." + name),
		newJobArrived: make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	s.state.Store(STATE_OPENED)
	return s
}

func (s *Scheduler) Name() string {
	return s.name
}

func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// AddJob inserts job in due order and wakes the loop. Equal due times keep
// insertion order. A closed scheduler drops the job.
func (s *Scheduler) AddJob(job *Job) error {
	if s.Closed() {
		return errors.ErrorSchedulerClosed
	}
	s.lock.Lock()
	s.insert(job)
	s.lock.Unlock()
	s.wake()
	return nil
}

// insert must be called with s.lock held.
func (s *Scheduler) insert(job *Job) {
	s.seq++
	job.seq = s.seq
	i := sort.Search(len(s.waiting), func(i int) bool {
		return job.before(s.waiting[i])
	})
	s.waiting = append(s.waiting, nil)
	copy(s.waiting[i+1:], s.waiting[i:])
	s.waiting[i] = job
}

// JobCancelled asks the loop to drop cancelled jobs.
func (s *Scheduler) JobCancelled() {
	s.cancelFilterNeeded.Store(true)
	s.wake()
}

// WorkTimesHaveChanged asks the loop to re-sort.
func (s *Scheduler) WorkTimesHaveChanged() {
	s.sortNeeded.Store(true)
	s.wake()
}

func (s *Scheduler) wake() {
	select {
	case s.newJobArrived <- struct{}{}:
	default:
	}
}

// Run is the scheduler loop. It returns when ctx is done or Shutdown is
// called.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	for {
		for {
			if ctx.Err() != nil || s.Closed() {
				return
			}
			s.maintain()
			if !s.noWorkToStart() {
				break
			}
			timer := s.clock.Timer(s.loopWaitTime())
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.newJobArrived:
				timer.Stop()
			case <-timer.C:
			}
		}
		s.startWork()
		runtime.Gosched()
	}
}

// Shutdown stops the loop. Waiting jobs are dropped.
func (s *Scheduler) Shutdown() {
	s.state.Store(STATE_CLOSED)
	s.wake()
}

// Wait blocks until Run has returned.
func (s *Scheduler) Wait() {
	<-s.done
}

func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) Closed() bool {
	return s.state.Load() == STATE_CLOSED
}

func (s *Scheduler) maintain() {
	if s.cancelFilterNeeded.CompareAndSwap(true, false) {
		s.filterCancelled()
	}
	if s.sortNeeded.CompareAndSwap(true, false) {
		s.sortWaiting()
	}
}

func (s *Scheduler) filterCancelled() {
	s.lock.Lock()
	defer s.lock.Unlock()
	kept := s.waiting[:0]
	for _, job := range s.waiting {
		if !job.IsCancelled() {
			kept = append(kept, job)
		}
	}
	for i := len(kept); i < len(s.waiting); i++ {
		s.waiting[i] = nil
	}
	s.waiting = kept
}

func (s *Scheduler) sortWaiting() {
	s.lock.Lock()
	defer s.lock.Unlock()
	sort.SliceStable(s.waiting, func(i, j int) bool {
		return s.waiting[i].before(s.waiting[j])
	})
}

func (s *Scheduler) noWorkToStart() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.waiting) == 0 {
		return true
	}
	return !s.waiting[0].IsDue()
}

func (s *Scheduler) loopWaitTime() time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.waiting) == 0 {
		return s.config.MaxWait
	}
	d := s.waiting[0].NextWorkTime().Sub(s.clock.Now())
	if d > s.config.MaxWait {
		d = s.config.MaxWait
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (s *Scheduler) startWork() {
	started := 0
	for started < s.config.MaxStartsPerLoop {
		s.lock.Lock()
		if len(s.waiting) == 0 || !s.waiting[0].IsDue() {
			s.lock.Unlock()
			return
		}
		job := s.waiting[0]
		s.waiting[0] = nil
		s.waiting = s.waiting[1:]
		s.lock.Unlock()

		if job.IsCancelled() {
			continue
		}
		if job.SlotOK() {
			job.StartWork()
			started++
			continue
		}
		s.lock.Lock()
		s.insert(job)
		s.lock.Unlock()
	}
}

// ClearOutDead drops jobs that will never run again.
func (s *Scheduler) ClearOutDead() {
	s.lock.Lock()
	defer s.lock.Unlock()
	kept := s.waiting[:0]
	for _, job := range s.waiting {
		if !job.IsDead() {
			kept = append(kept, job)
		}
	}
	for i := len(kept); i < len(s.waiting); i++ {
		s.waiting[i] = nil
	}
	s.waiting = kept
}

// GetJobs returns the waiting jobs in due order.
func (s *Scheduler) GetJobs() []*Job {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]*Job, len(s.waiting))
	copy(out, s.waiting)
	return out
}

func (s *Scheduler) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.waiting)
}

// GetPrettyJobSummary counts waiting jobs by name, one "name: count" per line.
func (s *Scheduler) GetPrettyJobSummary() string {
	counts := make(map[string]int)
	for _, job := range s.GetJobs() {
		counts[job.Name()]++
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	fmt.Fprintf(&b, "%s scheduler: %d jobs", s.name, s.Len())
	for _, name := range names {
		fmt.Fprintf(&b, "\n%s: %d", name, counts[name])
	}
	return b.String()
}
