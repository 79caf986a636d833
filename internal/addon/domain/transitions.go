package domain

// transitions is the only definition of legal lifecycle edges. No other code
// path may assign Status directly; services go through Transition.
var transitions = map[InstanceStatus]map[InstanceStatus]bool{
	StatusPendingPayment: {
		StatusActive:    true,
		StatusCancelled: true,
		StatusExpired:   true,
	},
	StatusTrial: {
		StatusActive:    true,
		StatusCancelled: true,
		StatusExpired:   true,
	},
	StatusActive: {
		StatusSuspended: true,
		StatusCancelled: true,
		StatusExpired:   true,
	},
	StatusSuspended: {
		StatusActive:    true,
		StatusCancelled: true,
		StatusExpired:   true,
	},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to InstanceStatus) bool {
	return transitions[from][to]
}

// Transition moves the instance to the target status, or returns
// ErrInvalidTransition without mutating anything.
func (i *AddOnInstance) Transition(to InstanceStatus) error {
	if !CanTransition(i.Status, to) {
		return ErrInvalidTransition
	}
	i.Status = to
	return nil
}
