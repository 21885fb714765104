package storage

import (
	"context"
	"errors"
	"time"

	"taskboard/internal/model"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
	// ErrStale means a guarded update lost the race: the row changed since it was read.
	ErrStale = errors.New("record modified concurrently")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": private in-memory SQLite database (tests, demos)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// TaskFilter narrows ListTasks. Zero value lists everything.
type TaskFilter struct {
	ProjectID  string
	AssignedTo string
}

// Store is the persistence API used by the board and auth services.
type Store interface {
	CreateUser(ctx context.Context, u model.User) error
	GetUser(ctx context.Context, id string) (model.User, error)
	GetUserByEmail(ctx context.Context, email string) (model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	// LeastLoadedUser returns the user holding the fewest non-terminal tasks.
	// Ties go to the oldest account. ErrNotFound when there are no users.
	LeastLoadedUser(ctx context.Context) (model.User, error)

	CreateTask(ctx context.Context, t model.Task, audit model.ActionLog) error
	GetTask(ctx context.Context, id string) (model.TaskView, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]model.TaskView, error)
	// UpdateTask writes t only if the stored UpdatedAt still equals prev.
	// It returns ErrStale otherwise.
	UpdateTask(ctx context.Context, t model.Task, prev time.Time, audit model.ActionLog) error
	DeleteTask(ctx context.Context, id string, audit model.ActionLog) error

	CreateProject(ctx context.Context, p model.Project, audit model.ActionLog) error
	GetProject(ctx context.Context, id string) (model.Project, error)
	GetProjectView(ctx context.Context, id string) (model.ProjectView, error)
	ListProjectsFor(ctx context.Context, userID string) ([]model.ProjectView, error)
	UpdateProject(ctx context.Context, p model.Project, audit *model.ActionLog) error

	AppendAudit(ctx context.Context, e model.ActionLog) error
	ListActionLogs(ctx context.Context, limit int) ([]model.ActionLogView, error)
	PruneActionLogs(ctx context.Context, before time.Time) (int64, error)

	Close() error
}
