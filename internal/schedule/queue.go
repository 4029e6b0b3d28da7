package schedule

import (
	"container/heap"
	"time"
)

type queueItem struct {
	id    string
	next  time.Time
	index int
}

// runQueue is a min-heap of schedules keyed by next-run time.
type runQueue []*queueItem

func (q runQueue) Len() int { return len(q) }

func (q runQueue) Less(i, j int) bool {
	if q[i].next.Equal(q[j].next) {
		return q[i].id < q[j].id
	}
	return q[i].next.Before(q[j].next)
}

func (q runQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *runQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *runQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// schedulerQueue indexes the heap by schedule id so entries can be moved or removed.
type schedulerQueue struct {
	heap  runQueue
	items map[string]*queueItem
}

func newSchedulerQueue() *schedulerQueue {
	return &schedulerQueue{items: make(map[string]*queueItem)}
}

// upsert queues id at next, or moves it if already queued.
func (q *schedulerQueue) upsert(id string, next time.Time) {
	if item, ok := q.items[id]; ok {
		item.next = next
		heap.Fix(&q.heap, item.index)
		return
	}
	item := &queueItem{id: id, next: next}
	heap.Push(&q.heap, item)
	q.items[id] = item
}

func (q *schedulerQueue) remove(id string) {
	item, ok := q.items[id]
	if !ok {
		return
	}
	heap.Remove(&q.heap, item.index)
	delete(q.items, id)
}

// peek returns the earliest entry without removing it.
func (q *schedulerQueue) peek() (*queueItem, bool) {
	if len(q.heap) == 0 {
		return nil, false
	}
	return q.heap[0], true
}

// popDue removes and returns every entry due at or before now, earliest first.
func (q *schedulerQueue) popDue(now time.Time) []*queueItem {
	var due []*queueItem
	for len(q.heap) > 0 && !q.heap[0].next.After(now) {
		item := heap.Pop(&q.heap).(*queueItem)
		delete(q.items, item.id)
		due = append(due, item)
	}
	return due
}

func (q *schedulerQueue) len() int {
	return len(q.heap)
}
