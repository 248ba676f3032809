package jobs

import (
	"container/heap"
	"sort"
	"time"
)

// waitQueue keeps waiting jobs sorted by priority, then by the stamp taken
// when they entered the queue. Dispatch walks it in order.
type waitQueue struct {
	jobs []*Job
}

func waitLess(a, b *Job) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.stamp < b.stamp
}

func (q *waitQueue) insert(j *Job) {
	i := sort.Search(len(q.jobs), func(i int) bool { return waitLess(j, q.jobs[i]) })
	q.jobs = append(q.jobs, nil)
	copy(q.jobs[i+1:], q.jobs[i:])
	q.jobs[i] = j
}

func (q *waitQueue) remove(j *Job) bool {
	for i, x := range q.jobs {
		if x == j {
			q.removeAt(i)
			return true
		}
	}
	return false
}

func (q *waitQueue) removeAt(i int) {
	copy(q.jobs[i:], q.jobs[i+1:])
	q.jobs[len(q.jobs)-1] = nil
	q.jobs = q.jobs[:len(q.jobs)-1]
}

func (q *waitQueue) len() int { return len(q.jobs) }

// sleepQueue is a min-heap on wake time.
type sleepQueue []*Job

func (q sleepQueue) Len() int           { return len(q) }
func (q sleepQueue) Less(i, k int) bool { return wakeBefore(q[i].wakeAt, q[k].wakeAt) }
func (q sleepQueue) Swap(i, k int) {
	q[i], q[k] = q[k], q[i]
	q[i].sleepIndex = i
	q[k].sleepIndex = k
}

func (q *sleepQueue) Push(x any) {
	j := x.(*Job)
	j.sleepIndex = len(*q)
	*q = append(*q, j)
}

func (q *sleepQueue) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.sleepIndex = -1
	*q = old[:n-1]
	return j
}

// A zero wake time means "until woken" and sorts last.
func wakeBefore(a, b time.Time) bool {
	switch {
	case a.IsZero():
		return false
	case b.IsZero():
		return true
	}
	return a.Before(b)
}

func (q *sleepQueue) add(j *Job) { heap.Push(q, j) }

func (q *sleepQueue) remove(j *Job) {
	if j.sleepIndex >= 0 && j.sleepIndex < len(*q) && (*q)[j.sleepIndex] == j {
		heap.Remove(q, j.sleepIndex)
	}
}

func (q *sleepQueue) fix(j *Job) {
	if j.sleepIndex >= 0 && j.sleepIndex < len(*q) && (*q)[j.sleepIndex] == j {
		heap.Fix(q, j.sleepIndex)
	}
}

// due pops every job whose wake time is not after now.
func (q *sleepQueue) due(now time.Time) []*Job {
	var out []*Job
	for q.Len() > 0 {
		j := (*q)[0]
		if j.wakeAt.IsZero() || j.wakeAt.After(now) {
			break
		}
		out = append(out, heap.Pop(q).(*Job))
	}
	return out
}

// next returns the earliest finite wake time.
func (q sleepQueue) next() (time.Time, bool) {
	if len(q) == 0 || q[0].wakeAt.IsZero() {
		return time.Time{}, false
	}
	return q[0].wakeAt, true
}
