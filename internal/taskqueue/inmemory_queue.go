package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryQueue is a Queue kept in process memory, ordered by eligibility
// time and then by enqueue order. It is safe for concurrent use. Enqueue
// blocks while the queue holds capacity tasks.
type InMemoryQueue struct {
	mu    sync.Mutex
	tasks []Task
	slots chan struct{}
	wake  chan struct{}
}

var _ Queue = (*InMemoryQueue)(nil)

// NewInMemoryQueue creates a queue holding at most capacity tasks; zero or
// less means 1024.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		slots: make(chan struct{}, capacity),
		wake:  make(chan struct{}, 1),
	}
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	stamp(&t)

	q.mu.Lock()
	at := notBefore(t)
	i := sort.Search(len(q.tasks), func(i int) bool { return notBefore(q.tasks[i]) > at })
	q.tasks = append(q.tasks, Task{})
	copy(q.tasks[i+1:], q.tasks[i:])
	q.tasks[i] = t
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *InMemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		t, wait := q.take(time.Now())
		if t != nil {
			return t, nil
		}
		if wait < 0 {
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		tmr.Reset(wait)
		select {
		case <-q.wake:
			if !tmr.Stop() {
				<-tmr.C
			}
		case <-tmr.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// take pops the head task if it is due. Otherwise it returns how long until
// the head becomes due, or -1 when the queue is empty.
func (q *InMemoryQueue) take(now time.Time) (*Task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, -1
	}
	head := q.tasks[0]
	if !head.Due(now) {
		return nil, head.NotBefore.Sub(now)
	}
	q.tasks = q.tasks[1:]
	<-q.slots
	if len(q.tasks) > 0 {
		// Another waiter may be parked on the same wakeup.
		q.signal()
	}
	return &head, 0
}

func (q *InMemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks), nil
}
