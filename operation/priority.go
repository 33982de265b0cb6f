package operation

// Priority bands, from most to least urgent. Lower numeric value sorts
// first. A (Priority, Timestamp) tuple is totally ordered; ties are broken
// by timestamp, older first. See queue.Entry for the ordering itself.
const (
	PriorityUserTestInteraction = 0
	PrioritySubmission          = 1
	PriorityInvalidated         = 2
	PriorityBackgroundSweep     = 3
)
