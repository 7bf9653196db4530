package threadpool

import (
	"sort"
	"sync"
)

// DefaultSlots is the default thread slot table.
var DefaultSlots = map[string]int{
	"misc": 10,
}

type slot struct {
	current int
	max     int
}

// Slots is a named admission gate. It bounds how many jobs of one category
// run at once, independent of how many workers the pool has.
type Slots struct {
	lock  sync.Mutex
	slots map[string]*slot
}

// Acquire takes a slot of the given type. Types without a configured max are
// always granted and not counted.
func (s *Slots) Acquire(slotType string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	sl, ok := s.slots[slotType]
	if !ok {
		return true
	}
	if sl.current < sl.max {
		sl.current++
		return true
	}
	return false
}

// Release gives a slot back. Unknown types are a no-op.
func (s *Slots) Release(slotType string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	sl, ok := s.slots[slotType]
	if !ok || sl.current == 0 {
		return
	}
	sl.current--
}

// SetMax configures (or reconfigures) a slot type. A max below one removes
// the limit.
func (s *Slots) SetMax(slotType string, max int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if max < 1 {
		delete(s.slots, slotType)
		return
	}
	if sl, ok := s.slots[slotType]; ok {
		sl.max = max
		return
	}
	s.slots[slotType] = &slot{max: max}
}

type SlotStats struct {
	Type    string
	Current int
	Max     int
}

func (s *Slots) Stats() []SlotStats {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]SlotStats, 0, len(s.slots))
	for t, sl := range s.slots {
		out = append(out, SlotStats{Type: t, Current: sl.current, Max: sl.max})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

func NewSlots(max map[string]int) *Slots {
	s := &Slots{slots: make(map[string]*slot, len(max))}
	for t, m := range max {
		s.SetMax(t, m)
	}
	return s
}
