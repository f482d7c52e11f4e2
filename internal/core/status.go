package core

// RequestStatus is the lifecycle state of a panic request.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusAllocated  RequestStatus = "allocated"
	StatusAccepted   RequestStatus = "accepted"
	StatusEnRoute    RequestStatus = "en_route"
	StatusArrived    RequestStatus = "arrived"
	StatusInProgress RequestStatus = "in_progress"
	StatusCompleted  RequestStatus = "completed"
	StatusCancelled  RequestStatus = "cancelled"
)

// Terminal reports whether the status ends the lifecycle.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// transitions is the allowed edge set of the request state machine.
// Cancellation is only reachable from pending and allocated; every other
// path must run through to completion.
var transitions = map[RequestStatus][]RequestStatus{
	StatusPending:    {StatusAllocated, StatusCancelled},
	StatusAllocated:  {StatusAccepted, StatusCancelled, StatusPending},
	StatusAccepted:   {StatusEnRoute},
	StatusEnRoute:    {StatusArrived},
	StatusArrived:    {StatusInProgress},
	StatusInProgress: {StatusCompleted},
}

// CanTransition reports whether from -> to is a legal state-machine edge.
// allocated -> pending is the timeout revert used by the scheduler.
func CanTransition(from, to RequestStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
