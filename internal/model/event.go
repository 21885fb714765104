package model

// EventKind names a mutation broadcast to connected clients.
type EventKind string

const (
	EventTaskCreated           EventKind = "taskCreated"
	EventTaskUpdated           EventKind = "taskUpdated"
	EventTaskDeleted           EventKind = "taskDeleted"
	EventTaskMoved             EventKind = "taskMoved"
	EventProjectCreated        EventKind = "projectCreated"
	EventTaskAssignedToProject EventKind = "taskAssignedToProject"
)

// MutationKinds lists every kind the board emits, in declaration order.
func MutationKinds() []EventKind {
	return []EventKind{
		EventTaskCreated, EventTaskUpdated, EventTaskDeleted, EventTaskMoved,
		EventProjectCreated, EventTaskAssignedToProject,
	}
}

// IsRelayable reports whether clients may publish events of this kind.
func (k EventKind) IsRelayable() bool {
	for _, m := range MutationKinds() {
		if k == m {
			return true
		}
	}
	return false
}

// TaskMoved is the payload of a taskMoved event.
type TaskMoved struct {
	Task       TaskView `json:"task"`
	FromStatus Status   `json:"fromStatus"`
	ToStatus   Status   `json:"toStatus"`
}

// TaskDeleted is the payload of a taskDeleted event.
type TaskDeleted struct {
	ID string `json:"id"`
}
