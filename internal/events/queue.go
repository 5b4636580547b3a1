package events

// Queue is a bounded FIFO of events. When full, Push overwrites the oldest
// entry. It is not safe for concurrent use; the owning subscription guards it.
type Queue struct {
	events []ServerEvent
	size   int
	head   int
	count  int
}

// NewQueue creates a queue holding at most size events.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{
		events: make([]ServerEvent, size),
		size:   size,
	}
}

// Push appends e. If the queue was full, the evicted oldest event is returned
// with true.
func (q *Queue) Push(e ServerEvent) (ServerEvent, bool) {
	tail := (q.head + q.count) % q.size
	if q.count < q.size {
		q.events[tail] = e
		q.count++
		return ServerEvent{}, false
	}
	evicted := q.events[q.head]
	q.events[q.head] = e
	q.head = (q.head + 1) % q.size
	return evicted, true
}

// Pop removes and returns the oldest event.
func (q *Queue) Pop() (ServerEvent, bool) {
	if q.count == 0 {
		return ServerEvent{}, false
	}
	e := q.events[q.head]
	q.events[q.head] = ServerEvent{}
	q.head = (q.head + 1) % q.size
	q.count--
	return e, true
}

// Len returns the number of buffered events.
func (q *Queue) Len() int { return q.count }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return q.size }

// Clear discards every buffered event and returns how many were dropped.
func (q *Queue) Clear() int {
	n := q.count
	for i := range q.events {
		q.events[i] = ServerEvent{}
	}
	q.head = 0
	q.count = 0
	return n
}
