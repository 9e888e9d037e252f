package pqueue

// The sift routines assume slots 1..count are live and never touch the
// slot-0 sentinel. Comparisons are strict less-than on priority, which pins
// the documented tie behaviour: sift-up stops at an equal-priority parent,
// sift-down prefers the right child when the children tie.

// less reports whether the entry at slot i outranks the entry at slot j.
func (q *Queue[V, P]) less(i, j int) bool {
	return q.backing.Get(i).Priority < q.backing.Get(j).Priority
}

// place stores e at slot i, stamping its position field. Every structural
// write goes through place so the position invariant cannot drift.
func (q *Queue[V, P]) place(i int, e Entry[V, P]) {
	e.pos = i
	q.backing.Set(i, e)
}

// swap exchanges slots i and j, restamping both position fields.
func (q *Queue[V, P]) swap(i, j int) {
	ei, ej := q.backing.Get(i), q.backing.Get(j)
	q.place(i, ej)
	q.place(j, ei)
}

// siftUp climbs the entry at slot i toward the root while it strictly
// outranks its parent.
func (q *Queue[V, P]) siftUp(i int) {
	for i > 1 {
		parent := i / 2
		if !q.less(i, parent) {
			break
		}
		q.swap(i, parent)
		i = parent
	}
}

// siftDown sinks the entry at slot i while either child strictly outranks
// it, swapping with the better child each level.
func (q *Queue[V, P]) siftDown(i int) {
	n := q.count()
	for {
		child := 2 * i
		if child > n {
			break
		}
		if right := child + 1; right <= n && !q.less(child, right) {
			child = right
		}
		if !q.less(child, i) {
			break
		}
		q.swap(i, child)
		i = child
	}
}

// fix restores the heap property around slot i after its entry changed
// priority or a foreign entry landed there.
func (q *Queue[V, P]) fix(i int) {
	if i > 1 && q.less(i, i/2) {
		q.siftUp(i)
		return
	}
	q.siftDown(i)
}

// removeAt detaches the entry at slot i. The last entry backfills the slot
// and is re-sifted in whichever direction the heap property demands; a
// sift-down alone is not enough, since the relocated tail entry can outrank
// its new parent. Returns the removed entry as it was stored.
func (q *Queue[V, P]) removeAt(i int) Entry[V, P] {
	n := q.count()
	removed := q.backing.Get(i)
	if i == n {
		q.backing.RemoveLast()
		return removed
	}
	q.place(i, q.backing.Get(n))
	q.backing.RemoveLast()
	q.fix(i)
	return removed
}
