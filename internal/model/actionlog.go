package model

import "time"

// Audit actions recorded alongside mutations.
const (
	ActionTaskCreated       = "Task Created"
	ActionTaskUpdated       = "Task Updated"
	ActionTaskStatusUpdated = "Task Status Updated"
	ActionTaskDeleted       = "Task Deleted"
	ActionTaskAssigned      = "Task Assigned"
	ActionTaskToProject     = "Task Assigned to Project"
	ActionProjectCreated    = "Project Created"
	ActionProjectUpdated    = "Project Updated"
)

// ActionLog is one audit entry. Subject keeps the task title or project name
// as it was when the action happened, so entries survive deletes.
type ActionLog struct {
	ID        string
	UserID    string
	Action    string
	TaskID    string
	ProjectID string
	Subject   string
	CreatedAt time.Time
}

type ActionLogView struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	User      UserRef   `json:"user"`
	TaskID    string    `json:"taskId,omitempty"`
	ProjectID string    `json:"projectId,omitempty"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"createdAt"`
}
