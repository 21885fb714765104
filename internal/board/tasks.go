package board

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskboard/internal/model"
	"taskboard/internal/storage"
	logx "taskboard/pkg/logx"
)

// Direct notification kinds.
const (
	NotifyTaskAssigned = "taskAssigned"
	NotifyProjectAdded = "projectMemberAdded"
)

type CreateTaskInput struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    model.Priority `json:"priority"`
	Status      model.Status   `json:"status,omitempty"`
	AssignedTo  string         `json:"assignedTo,omitempty"`
	ProjectID   string         `json:"projectId,omitempty"`
}

func (s *Service) CreateTask(ctx context.Context, actor model.Identity, in CreateTaskInput) (model.TaskView, error) {
	title := strings.TrimSpace(in.Title)
	desc := strings.TrimSpace(in.Description)
	if title == "" || desc == "" || in.Priority == "" {
		return model.TaskView{}, Invalid("title, description and priority are required")
	}
	if !in.Priority.IsValid() {
		return model.TaskView{}, Invalid("invalid priority value")
	}
	status := in.Status
	if status == "" {
		status = model.StatusTodo
	}
	if !status.IsValid() {
		return model.TaskView{}, Invalid("invalid status value")
	}

	assignee := strings.TrimSpace(in.AssignedTo)
	if assignee != "" {
		if _, err := s.st.GetUser(ctx, assignee); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return model.TaskView{}, Invalid("assigned user does not exist")
			}
			return model.TaskView{}, s.storeErr("create task", err, "")
		}
	} else if s.opts.AutoAssign {
		u, err := s.st.LeastLoadedUser(ctx)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return model.TaskView{}, s.storeErr("create task", err, "")
		}
		assignee = u.ID
	}

	projectID := strings.TrimSpace(in.ProjectID)
	if projectID != "" {
		p, err := s.st.GetProject(ctx, projectID)
		if err != nil {
			return model.TaskView{}, s.storeErr("create task", err, "project not found")
		}
		if !p.HasAccess(actor.UserID) {
			return model.TaskView{}, Forbidden("you don't have permission to add tasks to this project")
		}
	}

	now := s.version(time.Time{})
	t := model.Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: desc,
		Status:      status,
		Priority:    in.Priority,
		CreatedBy:   actor.UserID,
		AssignedTo:  assignee,
		ProjectID:   projectID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	audit := model.ActionLog{
		UserID:    actor.UserID,
		Action:    model.ActionTaskCreated,
		TaskID:    t.ID,
		ProjectID: projectID,
		Subject:   title,
		CreatedAt: s.stamp(),
	}
	if err := s.st.CreateTask(ctx, t, audit); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return model.TaskView{}, Invalid("task with this title already exists")
		}
		return model.TaskView{}, s.storeErr("create task", err, "referenced record not found")
	}

	view, err := s.st.GetTask(ctx, t.ID)
	if err != nil {
		return model.TaskView{}, s.storeErr("create task", err, "task not found")
	}
	s.log.Info("task created", logx.String("task_id", t.ID), logx.String("user_id", actor.UserID))
	s.publish(ctx, model.EventTaskCreated, view)
	if assignee != actor.UserID {
		s.notify(assignee, fmt.Sprintf("You were assigned to %q", title), NotifyTaskAssigned)
	}
	return view, nil
}

// ListTasks returns all tasks matching f. An empty board yields an empty slice.
func (s *Service) ListTasks(ctx context.Context, f storage.TaskFilter) ([]model.TaskView, error) {
	tasks, err := s.st.ListTasks(ctx, f)
	if err != nil {
		return nil, s.storeErr("list tasks", err, "")
	}
	return tasks, nil
}

func (s *Service) GetTask(ctx context.Context, id string) (model.TaskView, error) {
	if strings.TrimSpace(id) == "" {
		return model.TaskView{}, Invalid("task id is required")
	}
	t, err := s.st.GetTask(ctx, id)
	if err != nil {
		return model.TaskView{}, s.storeErr("get task", err, "task not found")
	}
	return t, nil
}

// MoveResult is the outcome of a kanban move.
type MoveResult struct {
	Task       model.TaskView `json:"task"`
	FromStatus model.Status   `json:"fromStatus"`
	ToStatus   model.Status   `json:"toStatus"`
}

// MoveTask changes the status of a task. Moves are last-writer-wins.
func (s *Service) MoveTask(ctx context.Context, actor model.Identity, taskID string, to model.Status) (MoveResult, error) {
	if !to.IsValid() {
		return MoveResult{}, Invalid("invalid status value")
	}
	before, after, err := s.mutateTask(ctx, taskID, "move task", func(_ model.TaskView, next *model.Task) (model.ActionLog, error) {
		next.Status = to
		return model.ActionLog{UserID: actor.UserID, Action: model.ActionTaskStatusUpdated}, nil
	})
	if err != nil {
		return MoveResult{}, err
	}

	res := MoveResult{Task: after, FromStatus: before.Status, ToStatus: to}
	s.publish(ctx, model.EventTaskMoved, model.TaskMoved{Task: after, FromStatus: before.Status, ToStatus: to})
	return res, nil
}

func (s *Service) DeleteTask(ctx context.Context, actor model.Identity, taskID string) error {
	cur, err := s.st.GetTask(ctx, taskID)
	if err != nil {
		return s.storeErr("delete task", err, "task not found")
	}
	audit := model.ActionLog{
		UserID:    actor.UserID,
		Action:    model.ActionTaskDeleted,
		TaskID:    taskID,
		Subject:   cur.Title,
		CreatedAt: s.stamp(),
	}
	if cur.Project != nil {
		audit.ProjectID = cur.Project.ID
	}
	if err := s.st.DeleteTask(ctx, taskID, audit); err != nil {
		return s.storeErr("delete task", err, "task not found")
	}
	s.log.Info("task deleted", logx.String("task_id", taskID), logx.String("user_id", actor.UserID))
	s.publish(ctx, model.EventTaskDeleted, model.TaskDeleted{ID: taskID})
	return nil
}

// SmartAssign assigns an unassigned task to the user with the fewest open
// tasks and notifies them if they are online.
func (s *Service) SmartAssign(ctx context.Context, actor model.Identity, taskID string) (model.TaskView, error) {
	var assignee model.User
	_, after, err := s.mutateTask(ctx, taskID, "smart assign", func(cur model.TaskView, next *model.Task) (model.ActionLog, error) {
		if cur.AssignedTo != nil {
			return model.ActionLog{}, Invalid("task is already assigned to a user")
		}
		u, err := s.st.LeastLoadedUser(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return model.ActionLog{}, Invalid("no users available for task assignment")
			}
			return model.ActionLog{}, s.storeErr("smart assign", err, "")
		}
		assignee = u
		next.AssignedTo = u.ID
		return model.ActionLog{UserID: actor.UserID, Action: model.ActionTaskAssigned}, nil
	})
	if err != nil {
		return model.TaskView{}, err
	}

	s.log.Info("task smart-assigned",
		logx.String("task_id", taskID),
		logx.String("assignee", assignee.ID),
	)
	s.publish(ctx, model.EventTaskUpdated, after)
	s.notify(assignee.ID, fmt.Sprintf("%s assigned you to %q", displayName(actor), after.Title), NotifyTaskAssigned)
	return after, nil
}

func displayName(id model.Identity) string {
	if id.FullName != "" {
		return id.FullName
	}
	return "Someone"
}
