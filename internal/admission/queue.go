package admission

import "container/heap"

type waiter struct {
	job   Job
	seq   uint64
	index int
}

// waitQueue is a max-heap on priority with arrival order breaking ties.
type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }
func (q waitQueue) Less(i, j int) bool {
	if q[i].job.Priority == q[j].job.Priority {
		return q[i].seq < q[j].seq
	}
	return q[i].job.Priority > q[j].job.Priority
}
func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}
func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

func (q *waitQueue) remove(taskID string) bool {
	for _, w := range *q {
		if w.job.TaskID == taskID {
			heap.Remove(q, w.index)
			return true
		}
	}
	return false
}
