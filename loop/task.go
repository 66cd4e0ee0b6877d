package loop

import "time"

// Kind classifies a queued task.
type Kind int

const (
	// Microtask runs before any macrotask; FIFO within its queue.
	Microtask Kind = iota
	// Macrotask fires at a deadline on the loop's virtual clock.
	Macrotask
)

func (k Kind) String() string {
	switch k {
	case Microtask:
		return "microtask"
	case Macrotask:
		return "macrotask"
	default:
		return "unknown"
	}
}

// task is a unit of queued work. It is owned exclusively by the queue
// holding it until it is executed, cancelled, or the loop shuts down.
type task struct {
	fn        func()
	deadline  time.Time // macrotasks only
	seq       uint64
	kind      Kind
	cancelled bool
}

// Handle identifies a queued task for cancellation.
// The zero Handle refers to no task and is safe to cancel.
type Handle struct {
	t *task
}

// taskHeap orders macrotasks by (deadline, sequence).
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
