package scheduler

import (
	"container/heap"
	"sort"

	"gpuschedd/pkg/types"
)

// taskItem is one backlog entry. seq is the submission sequence number;
// it survives requeueing so equal-priority tasks stay in submission
// order. index is maintained by the heap.
type taskItem struct {
	task  *types.Task
	seq   int
	index int
}

// itemHeap orders by priority descending, then submission order.
type itemHeap []*taskItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *itemHeap) Push(x any) {
	item := x.(*taskItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// taskQueue is a priority heap with a side index by task id, so lookup
// and cancellation never rebuild the queue. Not safe for concurrent use;
// the scheduler's lock guards it.
type taskQueue struct {
	heap    itemHeap
	byID    map[string]*taskItem
	nextSeq int
}

func newTaskQueue() *taskQueue {
	return &taskQueue{byID: make(map[string]*taskItem)}
}

func (q *taskQueue) len() int { return q.heap.Len() }

// push enqueues a new task, assigning its submission sequence number.
func (q *taskQueue) push(task *types.Task) {
	item := &taskItem{task: task, seq: q.nextSeq}
	q.nextSeq++
	heap.Push(&q.heap, item)
	q.byID[task.ID] = item
}

// reinsert returns a previously popped item to the queue with its
// original sequence number.
func (q *taskQueue) reinsert(item *taskItem) {
	heap.Push(&q.heap, item)
	q.byID[item.task.ID] = item
}

// peek returns the highest-priority entry without removing it.
func (q *taskQueue) peek() *taskItem {
	if q.heap.Len() == 0 {
		return nil
	}
	return q.heap[0]
}

// remove takes the entry with the given id out of the queue, returning
// nil when it is not queued.
func (q *taskQueue) remove(id string) *taskItem {
	item, ok := q.byID[id]
	if !ok {
		return nil
	}
	heap.Remove(&q.heap, item.index)
	delete(q.byID, id)
	return item
}

// get returns the queued task for id, or nil.
func (q *taskQueue) get(id string) *types.Task {
	if item, ok := q.byID[id]; ok {
		return item.task
	}
	return nil
}

// ordered returns the queued tasks in dequeue order without disturbing
// the heap.
func (q *taskQueue) ordered() []*types.Task {
	items := make([]*taskItem, len(q.heap))
	copy(items, q.heap)
	sort.Slice(items, func(i, j int) bool {
		if items[i].task.Priority != items[j].task.Priority {
			return items[i].task.Priority > items[j].task.Priority
		}
		return items[i].seq < items[j].seq
	})
	out := make([]*types.Task, len(items))
	for i, item := range items {
		out[i] = item.task
	}
	return out
}
