package reflection

// Manager owns the observation set used for refinement. At construction it
// carves off a held-out subset for out-of-sample RMSD checks; the remainder
// is the working set handed to the target on every prediction cycle.
// Predictions are written back in place through the returned pointers.
type Manager struct {
	working []Reflection
	free    []Reflection
}

// NewManager builds a manager from the supplied reflections. Every
// freeEvery-th reflection is held out of refinement (0 disables the held-out
// subset). The split is deterministic so repeated runs see identical working
// sets.
func NewManager(refs []Reflection, freeEvery int) *Manager {
	m := &Manager{}
	for i := range refs {
		if freeEvery > 0 && (i+1)%freeEvery == 0 {
			m.free = append(m.free, refs[i])
		} else {
			m.working = append(m.working, refs[i])
		}
	}
	return m
}

// NumObs returns the size of the working set.
func (m *Manager) NumObs() int { return len(m.working) }

// Observations returns pointers to the working set, for in-place prediction
// writebacks.
func (m *Manager) Observations() []*Reflection {
	out := make([]*Reflection, len(m.working))
	for i := range m.working {
		out[i] = &m.working[i]
	}
	return out
}

// ResetAccepted clears the used-in-refinement flag on the whole working set.
func (m *Manager) ResetAccepted() {
	for i := range m.working {
		m.working[i].Clear(UsedInRefinement)
	}
}

// Matches returns the reflections currently accepted for refinement: those
// predicted and flagged as used.
func (m *Manager) Matches() []*Reflection {
	var out []*Reflection
	for i := range m.working {
		if m.working[i].Has(Predicted | UsedInRefinement) {
			out = append(out, &m.working[i])
		}
	}
	return out
}

// FreeReflections returns pointers to the held-out subset.
func (m *Manager) FreeReflections() []*Reflection {
	out := make([]*Reflection, len(m.free))
	for i := range m.free {
		out[i] = &m.free[i]
	}
	return out
}
