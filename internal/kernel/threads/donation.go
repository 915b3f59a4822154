package threads

import "slices"

// setEffective changes t's effective priority, re-ranking it if it is queued.
func (k *Kernel) setEffective(t *Thread, p int) {
	if t.priority == p {
		return
	}
	from := t.priority
	t.priority = p
	if t.status == Ready && t != k.idle {
		k.ready.reposition(t, from)
	}
}

// recompute sets t's effective priority to the maximum of its base priority
// and the priorities of the waiters of every resource it still holds.
func (k *Kernel) recompute(t *Thread) {
	p := t.basePriority
	for _, r := range t.locks {
		p = max(p, r.MaxWaiterPriority())
	}
	k.setEffective(t, p)
}

// Donate records that the running thread is about to wait for r and lends its
// priority to r's holder. The loan propagates along the chain of holders that
// are themselves waiting, up to the configured depth. Interrupts must be off.
// Under MLFQS only the wait is recorded.
func (k *Kernel) Donate(r Resource) {
	cur := k.Current()
	cur.blockedOn = r
	if k.opts.MLFQS {
		return
	}

	donor := cur
	for depth := 0; r != nil && depth < k.opts.DonationDepth; depth++ {
		holder := r.Holder()
		if holder == nil || holder.priority >= donor.priority {
			break
		}
		k.hot.Trace().
			Int32("donor", int32(donor.id)).
			Int32("holder", int32(holder.id)).
			Int("priority", donor.priority).
			Msg("Priority donated")
		k.setEffective(holder, donor.priority)
		k.stats.donations.Add(1)
		donor = holder
		r = holder.blockedOn
	}
}

// Acquired records that the running thread now holds r.
func (k *Kernel) Acquired(r Resource) {
	cur := k.Current()
	cur.blockedOn = nil
	cur.locks = append(cur.locks, r)
	if !k.opts.MLFQS {
		k.recompute(cur)
	}
}

// Release records that the running thread gave up r and drops any priority
// it was lent through r. Donations through locks it still holds remain.
func (k *Kernel) Release(r Resource) {
	cur := k.Current()
	if i := slices.Index(cur.locks, r); i >= 0 {
		cur.locks = slices.Delete(cur.locks, i, i+1)
	}
	if !k.opts.MLFQS {
		k.recompute(cur)
	}
}

// SetPriority sets the running thread's base priority, clamped to
// [PriMin, PriMax], and yields if it no longer has the highest priority. A
// priority lent by donation is kept until the lending lock is released. Under
// MLFQS it does nothing.
func (k *Kernel) SetPriority(p int) {
	if k.opts.MLFQS {
		return
	}
	old := k.IntrDisable()
	cur := k.Current()
	cur.basePriority = clampPriority(p)
	k.recompute(cur)
	k.IntrSetLevel(old)
	k.SwapToHighestPriority()
}

// GetPriority returns the running thread's effective priority.
func (k *Kernel) GetPriority() int {
	return k.Current().priority
}
