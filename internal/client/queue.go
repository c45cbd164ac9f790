package client

// Queue holds audio frames waiting for an open connection. It is bounded:
// once full, newly pushed frames are rejected and the retained frames keep
// their insertion order. Queue is not safe for concurrent use.
type Queue struct {
	items    [][]byte
	capacity int
}

func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{capacity: capacity}
}

// Push appends frame and reports whether it was retained.
func (q *Queue) Push(frame []byte) bool {
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, frame)
	return true
}

func (q *Queue) Peek() ([]byte, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

func (q *Queue) Pop() ([]byte, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	head := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return head, true
}

func (q *Queue) Len() int { return len(q.items) }

func (q *Queue) Cap() int { return q.capacity }

// Clear empties the queue and returns how many frames were discarded.
func (q *Queue) Clear() int {
	n := len(q.items)
	q.items = nil
	return n
}
