package board

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"taskboard/internal/model"
	"taskboard/internal/storage"
	logx "taskboard/pkg/logx"
)

type CreateProjectInput struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Members     []string `json:"members,omitempty"`
}

// ProjectUpdate is a partial project update; nil fields are left unchanged.
type ProjectUpdate struct {
	Name        *string              `json:"name,omitempty"`
	Description *string              `json:"description,omitempty"`
	Status      *model.ProjectStatus `json:"status,omitempty"`
	Members     *[]string            `json:"members,omitempty"`
}

func (u ProjectUpdate) empty() bool {
	return u.Name == nil && u.Description == nil && u.Status == nil && u.Members == nil
}

func (s *Service) CreateProject(ctx context.Context, actor model.Identity, in CreateProjectInput) (model.ProjectView, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return model.ProjectView{}, Invalid("project name is required")
	}
	members, err := s.resolveMembers(ctx, actor.UserID, in.Members)
	if err != nil {
		return model.ProjectView{}, err
	}

	now := s.stamp()
	p := model.Project{
		ID:          uuid.NewString(),
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Status:      model.ProjectActive,
		OwnerID:     actor.UserID,
		Members:     members,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	audit := model.ActionLog{
		UserID:    actor.UserID,
		Action:    model.ActionProjectCreated,
		ProjectID: p.ID,
		Subject:   name,
		CreatedAt: now,
	}
	if err := s.st.CreateProject(ctx, p, audit); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return model.ProjectView{}, Invalid("project with this name already exists")
		}
		return model.ProjectView{}, s.storeErr("create project", err, "referenced user not found")
	}

	view, err := s.st.GetProjectView(ctx, p.ID)
	if err != nil {
		return model.ProjectView{}, s.storeErr("create project", err, "project not found")
	}
	s.log.Info("project created", logx.String("project_id", p.ID), logx.String("user_id", actor.UserID))
	s.publish(ctx, model.EventProjectCreated, view)
	for _, m := range members {
		s.notify(m, fmt.Sprintf("%s added you to project %q", displayName(actor), name), NotifyProjectAdded)
	}
	return view, nil
}

// resolveMembers validates member ids, drops duplicates and the owner.
func (s *Service) resolveMembers(ctx context.Context, ownerID string, ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || id == ownerID || slices.Contains(out, id) {
			continue
		}
		if _, err := s.st.GetUser(ctx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, Invalid(fmt.Sprintf("user %s does not exist", id))
			}
			return nil, s.storeErr("resolve members", err, "")
		}
		out = append(out, id)
	}
	return out, nil
}

// ListProjects returns the projects the actor owns or is a member of.
func (s *Service) ListProjects(ctx context.Context, actor model.Identity) ([]model.ProjectView, error) {
	out, err := s.st.ListProjectsFor(ctx, actor.UserID)
	if err != nil {
		return nil, s.storeErr("list projects", err, "")
	}
	return out, nil
}

// loadProject fetches a project and checks the actor's access to it.
func (s *Service) loadProject(ctx context.Context, actor model.Identity, id string, ownerOnly bool, denied string) (model.Project, error) {
	if strings.TrimSpace(id) == "" {
		return model.Project{}, Invalid("project id is required")
	}
	p, err := s.st.GetProject(ctx, id)
	if err != nil {
		return model.Project{}, s.storeErr("load project", err, "project not found")
	}
	allowed := p.OwnerID == actor.UserID
	if !ownerOnly {
		allowed = p.HasAccess(actor.UserID)
	}
	if !allowed {
		return model.Project{}, Forbidden(denied)
	}
	return p, nil
}

// UpdateProject applies u. Only the owner may update a project.
func (s *Service) UpdateProject(ctx context.Context, actor model.Identity, id string, u ProjectUpdate) (model.ProjectView, error) {
	if u.empty() {
		return model.ProjectView{}, Invalid("at least one field is required for update")
	}
	p, err := s.loadProject(ctx, actor, id, true, "only the project owner can update the project")
	if err != nil {
		return model.ProjectView{}, err
	}

	if u.Name != nil {
		name := strings.TrimSpace(*u.Name)
		if name == "" {
			return model.ProjectView{}, Invalid("project name cannot be empty")
		}
		p.Name = name
	}
	if u.Description != nil {
		p.Description = strings.TrimSpace(*u.Description)
	}
	if u.Status != nil {
		if !u.Status.IsValid() {
			return model.ProjectView{}, Invalid("invalid status value")
		}
		p.Status = *u.Status
	}
	if u.Members != nil {
		members, err := s.resolveMembers(ctx, p.OwnerID, *u.Members)
		if err != nil {
			return model.ProjectView{}, err
		}
		p.Members = members
	}
	return s.saveProject(ctx, actor, p)
}

func (s *Service) saveProject(ctx context.Context, actor model.Identity, p model.Project) (model.ProjectView, error) {
	p.UpdatedAt = s.stamp()
	audit := &model.ActionLog{
		UserID:    actor.UserID,
		Action:    model.ActionProjectUpdated,
		ProjectID: p.ID,
		Subject:   p.Name,
		CreatedAt: p.UpdatedAt,
	}
	if err := s.st.UpdateProject(ctx, p, audit); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return model.ProjectView{}, Invalid("project with this name already exists")
		}
		return model.ProjectView{}, s.storeErr("update project", err, "project not found")
	}
	view, err := s.st.GetProjectView(ctx, p.ID)
	if err != nil {
		return model.ProjectView{}, s.storeErr("update project", err, "project not found")
	}
	return view, nil
}

// ProjectTasks returns the project and its tasks. Owner or member only.
func (s *Service) ProjectTasks(ctx context.Context, actor model.Identity, id string) (model.ProjectView, []model.TaskView, error) {
	p, err := s.loadProject(ctx, actor, id, false, "you don't have permission to view this project's tasks")
	if err != nil {
		return model.ProjectView{}, nil, err
	}
	view, err := s.st.GetProjectView(ctx, p.ID)
	if err != nil {
		return model.ProjectView{}, nil, s.storeErr("project tasks", err, "project not found")
	}
	tasks, err := s.st.ListTasks(ctx, storage.TaskFilter{ProjectID: p.ID})
	if err != nil {
		return model.ProjectView{}, nil, s.storeErr("project tasks", err, "")
	}
	return view, tasks, nil
}

// AssignToProject moves a task into a project. Owner or member only.
func (s *Service) AssignToProject(ctx context.Context, actor model.Identity, taskID, projectID string) (model.TaskView, error) {
	if strings.TrimSpace(taskID) == "" || strings.TrimSpace(projectID) == "" {
		return model.TaskView{}, Invalid("task id and project id are required")
	}
	if _, err := s.st.GetTask(ctx, taskID); err != nil {
		return model.TaskView{}, s.storeErr("assign to project", err, "task not found")
	}
	if _, err := s.loadProject(ctx, actor, projectID, false, "you don't have permission to assign tasks to this project"); err != nil {
		return model.TaskView{}, err
	}

	_, after, err := s.mutateTask(ctx, taskID, "assign to project", func(_ model.TaskView, next *model.Task) (model.ActionLog, error) {
		next.ProjectID = projectID
		return model.ActionLog{
			UserID:    actor.UserID,
			Action:    model.ActionTaskToProject,
			ProjectID: projectID,
		}, nil
	})
	if err != nil {
		return model.TaskView{}, err
	}
	s.publish(ctx, model.EventTaskAssignedToProject, after)
	return after, nil
}

// AddMember adds userID to the project. Owner only; adding an existing member
// is a no-op.
func (s *Service) AddMember(ctx context.Context, actor model.Identity, projectID, userID string) (model.ProjectView, error) {
	p, err := s.loadProject(ctx, actor, projectID, true, "only the project owner can manage members")
	if err != nil {
		return model.ProjectView{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return model.ProjectView{}, Invalid("user id is required")
	}
	if p.HasAccess(userID) {
		view, err := s.st.GetProjectView(ctx, p.ID)
		return view, s.storeErr("add member", err, "project not found")
	}
	members, err := s.resolveMembers(ctx, p.OwnerID, append(p.Members, userID))
	if err != nil {
		return model.ProjectView{}, err
	}
	p.Members = members

	view, err := s.saveProject(ctx, actor, p)
	if err != nil {
		return model.ProjectView{}, err
	}
	s.notify(userID, fmt.Sprintf("%s added you to project %q", displayName(actor), p.Name), NotifyProjectAdded)
	return view, nil
}

// RemoveMember drops userID from the project. Owner only.
func (s *Service) RemoveMember(ctx context.Context, actor model.Identity, projectID, userID string) (model.ProjectView, error) {
	p, err := s.loadProject(ctx, actor, projectID, true, "only the project owner can manage members")
	if err != nil {
		return model.ProjectView{}, err
	}
	if userID == p.OwnerID {
		return model.ProjectView{}, Invalid("the project owner cannot be removed")
	}
	i := slices.Index(p.Members, userID)
	if i < 0 {
		return model.ProjectView{}, NotFound("user is not a member of this project")
	}
	p.Members = slices.Delete(slices.Clone(p.Members), i, i+1)
	return s.saveProject(ctx, actor, p)
}
