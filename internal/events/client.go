package events

import (
	"errors"
	"fmt"
	"sync"
)

// ErrIllegalClientEvent is returned when an event reaches client-side handling. The
// broker consumes every known event kind, so nothing is ever forwarded back.
var ErrIllegalClientEvent = errors.New("received illegal message that should not have arrived")

// ClientQueue holds events forwarded back to a worker until the worker processes
// them. Processing order is last-in-first-out.
type ClientQueue struct {
	mu      sync.Mutex
	pending Stack[Event]
}

func (q *ClientQueue) Emit(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending.Push(ev)
}

func (q *ClientQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// DrainAndProcess dispatches pending events newest first and returns how many were
// processed. It stops at the first event the client cannot consume.
func (q *ClientQueue) DrainAndProcess() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for {
		ev, ok := q.pending.Pop()
		if !ok {
			return n, nil
		}
		if err := handleInClient(ev); err != nil {
			return n, err
		}
		n++
	}
}

func handleInClient(ev Event) error {
	return fmt.Errorf("%w: %v %+v", ErrIllegalClientEvent, ev.Name(), ev)
}
