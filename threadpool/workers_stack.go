package threadpool

import (
	"sort"
	"sync"
	"time"

	"github.com/gaohao-creator/turbocore/errors"
)

type WorkersStack struct {
	data []Worker
	size int // 0 is unbounded
	lock *sync.Mutex
}

// Get stack length.
func (s *WorkersStack) Len() int {
	return len(s.data)
}

// Get stack is empty.
func (s *WorkersStack) IsEmpty() bool {
	return s.Len() == 0
}

// Push a worker to stack.
func (s *WorkersStack) Push(w Worker) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.size == 0 || s.Len() < s.size {
		s.data = append(s.data, w)
		return nil
	}
	return errors.ErrorsWorkerStackFull
}

// Get the most recently idled worker and remove it.
func (s *WorkersStack) Pop() (Worker, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.IsEmpty() {
		return nil, errors.ErrorWorkersIsEmpty
	}
	i := len(s.data) - 1
	item := s.data[i]
	s.data[i] = nil
	s.data = s.data[:i]
	return item, nil
}

// Clear finishes every worker that can be finished and keeps the rest.
func (s *WorkersStack) Clear() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	kept := s.data[:0]
	for i, w := range s.data {
		s.data[i] = nil
		if !w.Finish() {
			kept = append(kept, w)
		}
	}
	s.data = kept
	return nil
}

// ClearExpired finishes workers idle since before t and returns how many went.
// Workers that picked up work in the meantime stay, in order.
func (s *WorkersStack) ClearExpired(t time.Time) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.IsEmpty() {
		return 0, nil
	}

	// Binary search first not expired index.
	index := sort.Search(len(s.data), func(i int) bool {
		return t.Before(s.data[i].GetUsedTime())
	})
	if index == 0 {
		return 0, nil
	}

	kept := make([]Worker, 0, len(s.data))
	cleared := 0
	for i := 0; i < index; i++ {
		w := s.data[i]
		if w.Finish() {
			cleared++
			continue
		}
		kept = append(kept, w)
	}
	kept = append(kept, s.data[index:]...)
	for i := range s.data {
		s.data[i] = nil
	}
	s.data = kept
	return cleared, nil
}

// Create a workers stack, serving as the idle worker container.
func NewWorkersStack(size int) Workers {
	return &WorkersStack{
		data: make([]Worker, 0, size),
		size: size,
		lock: &sync.Mutex{},
	}
}
