// Package events defines the bus subjects for task fan-out and the
// broadcaster that publishes to them.
package events

// Subject roots for task activity. The task id is appended as the final
// token, so gateways can subscribe per task or with a wildcard.
const (
	TaskUpdated = "tasks.updated" // task record changed
	TaskDeleted = "tasks.deleted" // task removed by an operator
	TaskEvents  = "tasks.events"  // event appended to a task's log
)

// BuildTaskUpdatedSubject creates the update subject for a specific task.
func BuildTaskUpdatedSubject(taskID string) string {
	return TaskUpdated + "." + taskID
}

// BuildTaskUpdatedWildcardSubject creates a wildcard subscription for all task updates.
func BuildTaskUpdatedWildcardSubject() string {
	return TaskUpdated + ".*"
}

// BuildTaskDeletedSubject creates the deletion subject for a specific task.
func BuildTaskDeletedSubject(taskID string) string {
	return TaskDeleted + "." + taskID
}

// BuildTaskDeletedWildcardSubject creates a wildcard subscription for all task deletions.
func BuildTaskDeletedWildcardSubject() string {
	return TaskDeleted + ".*"
}

// BuildTaskEventsSubject creates the event-log subject for a specific task.
func BuildTaskEventsSubject(taskID string) string {
	return TaskEvents + "." + taskID
}

// BuildTaskEventsWildcardSubject creates a wildcard subscription for all task event logs.
func BuildTaskEventsWildcardSubject() string {
	return TaskEvents + ".*"
}
