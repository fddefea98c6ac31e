package scheduler

import "container/heap"

// task is a queued job. seq orders tasks of equal priority by arrival.
type task struct {
	key      string
	job      Job
	priority int
	seq      uint64
	index    int
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// queue is a priority queue holding at most one task per key. It is not
// safe for concurrent use; the scheduler guards it.
type queue struct {
	tasks taskHeap
	byKey map[string]*task
	seq   uint64
}

func newQueue() *queue {
	return &queue{byKey: make(map[string]*task)}
}

// push adds job unless a task with the same key and an equal or lower
// priority is already queued. A lower-priority newcomer replaces the
// queued task. It reports whether job was queued.
func (q *queue) push(job Job) bool {
	key := job.Key()
	if existing, ok := q.byKey[key]; ok {
		if existing.priority <= job.Priority {
			return false
		}
		heap.Remove(&q.tasks, existing.index)
		delete(q.byKey, key)
	}

	q.seq++
	t := &task{key: key, job: job, priority: job.Priority, seq: q.seq}
	heap.Push(&q.tasks, t)
	q.byKey[key] = t
	return true
}

// pop removes the task with the lowest (priority, seq)
func (q *queue) pop() (*task, bool) {
	if len(q.tasks) == 0 {
		return nil, false
	}
	t := heap.Pop(&q.tasks).(*task)
	delete(q.byKey, t.key)
	return t, true
}

func (q *queue) get(key string) (*task, bool) {
	t, ok := q.byKey[key]
	return t, ok
}

func (q *queue) len() int { return len(q.tasks) }

func (q *queue) clear() {
	q.tasks = nil
	q.byKey = make(map[string]*task)
}

// keys returns the queued keys in dequeue order
func (q *queue) keys() []string {
	// Copies keep the live heap indexes intact.
	h := make(taskHeap, 0, len(q.tasks))
	for _, t := range q.tasks {
		h = append(h, &task{key: t.key, priority: t.priority, seq: t.seq})
	}
	heap.Init(&h)

	keys := make([]string, 0, len(h))
	for h.Len() > 0 {
		keys = append(keys, heap.Pop(&h).(*task).key)
	}
	return keys
}
