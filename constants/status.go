package constants

// JobState is the canonical lifecycle state for rows in the jobs table.
type JobState string

// Stable values (store these exact strings in the queue DB).
const (
	JobStateWaiting   JobState = "waiting"   // ready to be claimed
	JobStateDelayed   JobState = "delayed"   // failed, waiting out a retry backoff
	JobStateActive    JobState = "active"    // claimed by a worker
	JobStateCompleted JobState = "completed" // terminal success
	JobStateFailed    JobState = "failed"    // terminal failure, retry budget exhausted
)

// Terminal reports whether a job in this state will never run again.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Progress milestones reported by the worker while a job is active.
const (
	ProgressFileVerified = 10
	ProgressRecognizing  = 20
	ProgressRecognized   = 70
	ProgressPersisted    = 100
)
