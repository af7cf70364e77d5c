package coordinator

import (
	"container/heap"
	"time"
)

// queueItem 包装入队任务，seq 保证同优先级同时刻任务按入队先后出队。
type queueItem struct {
	task *Task
	seq  uint64
}

// readyQueue 是 (优先级, 计划时间, 入队序号) 三键最小堆。
// 堆顶不一定可运行：到期与互斥检查在弹出时进行。
type readyQueue struct {
	items []*queueItem
	seq   uint64
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{}
	heap.Init(q)
	return q
}

func (q *readyQueue) Len() int { return len(q.items) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority < b.task.Priority
	}
	if !a.task.ScheduledAt.Equal(b.task.ScheduledAt) {
		return a.task.ScheduledAt.Before(b.task.ScheduledAt)
	}
	return a.seq < b.seq
}

func (q *readyQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
}

func (q *readyQueue) Push(x interface{}) {
	q.items = append(q.items, x.(*queueItem))
}

func (q *readyQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}

// push 入队并分配序号。
func (q *readyQueue) push(task *Task) {
	q.seq++
	heap.Push(q, &queueItem{task: task, seq: q.seq})
}

// popRunnable 按堆序寻找首个已到期且互斥键空闲的任务。
// 被跳过的任务原样回堆，找不到则返回 nil。
func (q *readyQueue) popRunnable(now time.Time, held func(key string) bool) *Task {
	deferred := make([]*queueItem, 0)
	var found *Task

	for q.Len() > 0 {
		item := heap.Pop(q).(*queueItem)
		task := item.task
		if task.ScheduledAt.After(now) || held(task.ExclusionKey()) {
			deferred = append(deferred, item)
			continue
		}
		found = task
		break
	}

	for _, item := range deferred {
		heap.Push(q, item)
	}
	return found
}

// earliestAfter 返回 now 之后最近的计划时间，没有则返回零值。
// 已到期但被互斥阻塞的任务依赖释放时的唤醒，不参与计时。
func (q *readyQueue) earliestAfter(now time.Time) time.Time {
	var earliest time.Time
	for _, item := range q.items {
		at := item.task.ScheduledAt
		if !at.After(now) {
			continue
		}
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	return earliest
}

// countByKind 统计队列中指定类型的任务数。
func (q *readyQueue) countByKind(kind Kind) int {
	count := 0
	for _, item := range q.items {
		if item.task.Kind == kind {
			count++
		}
	}
	return count
}

// forEach 遍历队列内任务。
func (q *readyQueue) forEach(fn func(task *Task)) {
	for _, item := range q.items {
		fn(item.task)
	}
}
