package transport

// commandQueue is the bounded FIFO holding outbound frames while the
// connection is down. Beyond capacity the oldest entry is dropped.
// Callers hold the manager lock.
type commandQueue struct {
	capacity int
	items    [][]byte
}

func newCommandQueue(capacity int) *commandQueue {
	if capacity <= 0 {
		capacity = 128
	}
	return &commandQueue{capacity: capacity}
}

// push appends a frame, reporting whether an older entry was evicted
func (q *commandQueue) push(data []byte) (dropped bool) {
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, data)
	return dropped
}

// drain removes and returns all queued frames in FIFO order
func (q *commandQueue) drain() [][]byte {
	items := q.items
	q.items = nil
	return items
}

func (q *commandQueue) len() int {
	return len(q.items)
}
