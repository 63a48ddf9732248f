package worker

import (
	"sort"
	"sync"
)

// events is the flag set the worker loop waits on. Raising a flag that is
// already raised is a no-op; take clears every flag.
type events struct {
	mu      sync.Mutex
	write   bool
	read    bool
	suspend map[int]bool
	notify  chan struct{}
}

func newEvents() *events {
	return &events{
		suspend: make(map[int]bool),
		notify:  make(chan struct{}, 1),
	}
}

func (e *events) raise(set func()) {
	e.mu.Lock()
	set()
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *events) raiseWrite()         { e.raise(func() { e.write = true }) }
func (e *events) raiseRead()          { e.raise(func() { e.read = true }) }
func (e *events) raiseSuspend(id int) { e.raise(func() { e.suspend[id] = true }) }

// take returns and clears the raised flags. Suspend ids are sorted.
func (e *events) take() (write, read bool, suspend []int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	write, read = e.write, e.read
	e.write, e.read = false, false
	for id := range e.suspend {
		suspend = append(suspend, id)
		delete(e.suspend, id)
	}
	sort.Ints(suspend)
	return write, read, suspend
}
