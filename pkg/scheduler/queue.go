// SPDX-License-Identifier: AGPL-3.0-only

package scheduler

// pendingQueue is a binary heap of items ordered by priority, highest first, then by
// submission sequence, oldest first. It satisfies heap.Interface.
type pendingQueue []*item

func (q pendingQueue) Len() int { return len(q) }

func (q pendingQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q pendingQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].heapIdx = i
	q[j].heapIdx = j
}

func (q *pendingQueue) Push(x any) {
	it := x.(*item)
	it.heapIdx = len(*q)
	*q = append(*q, it)
}

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.heapIdx = -1
	*q = old[:n-1]
	return it
}
