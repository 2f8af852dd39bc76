package model

// PlanStatus is the route plan lifecycle state.
type PlanStatus string

const (
	PlanDraft      PlanStatus = "DRAFT"
	PlanOptimized  PlanStatus = "OPTIMIZED"
	PlanApproved   PlanStatus = "APPROVED"
	PlanInProgress PlanStatus = "IN_PROGRESS"
	PlanCompleted  PlanStatus = "COMPLETED"
)

var planTransitions = map[PlanStatus][]PlanStatus{
	PlanDraft:      {PlanOptimized},
	PlanOptimized:  {PlanOptimized, PlanApproved},
	PlanApproved:   {PlanInProgress},
	PlanInProgress: {PlanCompleted},
}

// CanTransition reports whether a plan may move from one status to another.
func (s PlanStatus) CanTransition(to PlanStatus) bool {
	for _, t := range planTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Optimizable reports whether an optimize run may commit onto a plan in this status.
func (s PlanStatus) Optimizable() bool { return s.CanTransition(PlanOptimized) }

// InExecution reports whether stops may be updated by field execution.
func (s PlanStatus) InExecution() bool { return s == PlanApproved || s == PlanInProgress }

// StopStatus is the per-stop execution state.
type StopStatus string

const (
	StopPending     StopStatus = "PENDING"
	StopCompleted   StopStatus = "COMPLETED"
	StopSkipped     StopStatus = "SKIPPED"
	StopRescheduled StopStatus = "RESCHEDULED"
)

// CanTransition reports whether a stop may move from one status to another.
// Terminal statuses only accept themselves (re-recording actual times).
func (s StopStatus) CanTransition(to StopStatus) bool {
	switch s {
	case StopPending:
		return to == StopPending || to == StopCompleted || to == StopSkipped || to == StopRescheduled
	case StopCompleted, StopSkipped, StopRescheduled:
		return to == s
	}
	return false
}

// Valid reports a known stop status.
func (s StopStatus) Valid() bool {
	switch s {
	case StopPending, StopCompleted, StopSkipped, StopRescheduled:
		return true
	}
	return false
}
