package model

// ResourceStatus is the liveness state of a backend resource as observed by
// the delegation layer.
type ResourceStatus string

// Resource status constants.
const (
	StatusAbsent        ResourceStatus = "absent"
	StatusPending       ResourceStatus = "pending"
	StatusRunning       ResourceStatus = "running"
	StatusStoppedClean  ResourceStatus = "stopped_clean"
	StatusStoppedFailed ResourceStatus = "stopped_failed"
	StatusUnknown       ResourceStatus = "unknown"
)

// validTransitions maps each status to the set of statuses it may move to.
// Stopped states are terminal and have no entry.
var validTransitions = map[ResourceStatus]map[ResourceStatus]bool{
	StatusAbsent: {
		StatusPending: true,
		StatusRunning: true,
	},
	StatusPending: {
		StatusRunning:       true,
		StatusStoppedClean:  true,
		StatusStoppedFailed: true,
	},
	StatusRunning: {
		StatusStoppedClean:  true,
		StatusStoppedFailed: true,
	},
}

// ValidTransition reports whether a resource may move from one status to another.
func ValidTransition(from, to ResourceStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Stopped reports whether the status is one of the terminal stopped states.
func (s ResourceStatus) Stopped() bool {
	return s == StatusStoppedClean || s == StatusStoppedFailed
}

// Live reports whether a resource in this status can still be stopped.
func (s ResourceStatus) Live() bool {
	return s == StatusPending || s == StatusRunning
}
