// Package model holds the board's domain types shared by storage, the board
// service and the transports.
package model

import "time"

type Status string

const (
	StatusTodo       Status = "Todo"
	StatusInProgress Status = "In Progress"
	StatusDone       Status = "Done"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// IsTerminal reports whether a task in this status no longer counts as open work.
func (s Status) IsTerminal() bool { return s == StatusDone }

type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Task is the stored record. UpdatedAt doubles as the optimistic-concurrency
// version: every successful mutation moves it strictly forward.
type Task struct {
	ID          string
	Title       string
	Description string
	Status      Status
	Priority    Priority
	CreatedBy   string
	AssignedTo  string // empty when unassigned
	ProjectID   string // empty when not in a project
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UserRef is the display fragment of a user embedded in other views.
type UserRef struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
}

// ProjectRef is the display fragment of a project embedded in task views.
type ProjectRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TaskView is a task resolved for display.
type TaskView struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Status      Status      `json:"status"`
	Priority    Priority    `json:"priority"`
	CreatedBy   *UserRef    `json:"createdBy,omitempty"`
	AssignedTo  *UserRef    `json:"assignedTo,omitempty"`
	Project     *ProjectRef `json:"project,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Task returns the stored shape of the view.
func (v TaskView) Task() Task {
	t := Task{
		ID:          v.ID,
		Title:       v.Title,
		Description: v.Description,
		Status:      v.Status,
		Priority:    v.Priority,
		CreatedAt:   v.CreatedAt,
		UpdatedAt:   v.UpdatedAt,
	}
	if v.CreatedBy != nil {
		t.CreatedBy = v.CreatedBy.ID
	}
	if v.AssignedTo != nil {
		t.AssignedTo = v.AssignedTo.ID
	}
	if v.Project != nil {
		t.ProjectID = v.Project.ID
	}
	return t
}
