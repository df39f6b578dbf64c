package queue

import "container/heap"

type entry struct {
	id       string
	priority Priority
	seq      uint64
}

// index is a max-heap on priority with ascending seq as the tie-break.
type index []entry

func (x index) Len() int { return len(x) }

func (x index) Less(i, j int) bool {
	if x[i].priority != x[j].priority {
		return x[i].priority > x[j].priority
	}
	return x[i].seq < x[j].seq
}

func (x index) Swap(i, j int) { x[i], x[j] = x[j], x[i] }

func (x *index) Push(v any) { *x = append(*x, v.(entry)) }

func (x *index) Pop() any {
	old := *x
	n := len(old)
	e := old[n-1]
	*x = old[:n-1]
	return e
}

func (x *index) push(t *Task) {
	heap.Push(x, entry{id: t.ID, priority: t.Priority, seq: t.Seq})
}

func (x *index) pop() (entry, bool) {
	if x.Len() == 0 {
		return entry{}, false
	}
	return heap.Pop(x).(entry), true
}
