package models

// JobStatus is the lifecycle state of a Job. BatchJob aggregates additionally
// report StatusPartialFailure, which a single Job never holds.
type JobStatus string

const (
	StatusPending        JobStatus = "PENDING"
	StatusStarted        JobStatus = "STARTED"
	StatusRetry          JobStatus = "RETRY"
	StatusSuccess        JobStatus = "SUCCESS"
	StatusFailure        JobStatus = "FAILURE"
	StatusRevoked        JobStatus = "REVOKED"
	StatusPartialFailure JobStatus = "PARTIAL_FAILURE"
)

// transitions lists every legal edge of the job state machine.
var transitions = map[JobStatus][]JobStatus{
	StatusPending: {StatusStarted, StatusRevoked},
	StatusStarted: {StatusSuccess, StatusFailure, StatusRetry, StatusRevoked},
	StatusRetry:   {StatusStarted, StatusRevoked},
}

// ParseJobStatus returns the status for s and whether it is a known value.
func ParseJobStatus(s string) (JobStatus, bool) {
	switch JobStatus(s) {
	case StatusPending, StatusStarted, StatusRetry, StatusSuccess,
		StatusFailure, StatusRevoked, StatusPartialFailure:
		return JobStatus(s), true
	default:
		return "", false
	}
}

// IsTerminal reports whether no further transitions are permitted.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusRevoked, StatusPartialFailure:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
