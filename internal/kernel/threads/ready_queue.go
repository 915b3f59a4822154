package threads

import "slices"

// readyQueue holds the Ready threads, one FIFO per priority level. Threads of
// equal priority leave in arrival order, and a thread whose priority changes
// while queued keeps its arrival stamp.
type readyQueue struct {
	k      *Kernel
	levels [PriMax + 1][]*Thread
	n      int
}

func (q *readyQueue) init(k *Kernel) {
	q.k = k
}

// push appends t at the tail of its priority level.
func (q *readyQueue) push(t *Thread) {
	t.Claim(q)
	q.k.seq++
	t.seq = q.k.seq
	q.levels[t.priority] = append(q.levels[t.priority], t)
	q.n++
	q.k.stats.ready.Store(int64(q.n))
}

// pop removes and returns the oldest thread of the highest non-empty level, or
// nil when the queue is empty.
func (q *readyQueue) pop() *Thread {
	for p := PriMax; p >= PriMin; p-- {
		level := q.levels[p]
		if len(level) == 0 {
			continue
		}
		t := level[0]
		level[0] = nil
		q.levels[p] = level[1:]
		q.n--
		q.k.stats.ready.Store(int64(q.n))
		t.Disown(q)
		return t
	}
	return nil
}

// reposition moves t, queued at priority from, to its current priority.
func (q *readyQueue) reposition(t *Thread, from int) {
	if from == t.priority {
		return
	}
	level := q.levels[from]
	i := slices.Index(level, t)
	if i < 0 {
		q.k.Panicf(t, "thread missing from ready level %d", from)
	}
	q.levels[from] = slices.Delete(level, i, i+1)

	to := q.levels[t.priority]
	j, _ := slices.BinarySearchFunc(to, t.seq, func(e *Thread, seq uint64) int {
		switch {
		case e.seq < seq:
			return -1
		case e.seq > seq:
			return 1
		}
		return 0
	})
	q.levels[t.priority] = slices.Insert(to, j, t)
}

// maxPriority returns the highest priority of a queued thread, or -1.
func (q *readyQueue) maxPriority() int {
	for p := PriMax; p >= PriMin; p-- {
		if len(q.levels[p]) > 0 {
			return p
		}
	}
	return -1
}

func (q *readyQueue) len() int {
	return q.n
}
