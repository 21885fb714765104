package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskboard/internal/model"
	"taskboard/internal/storage"
	logx "taskboard/pkg/logx"
)

const conflictMessage = "This task has been modified by another user. Please choose how to resolve the conflict."

// UpdateRequest is a partial task update. Empty fields are left unchanged.
// It doubles as the clientTask echoed back in a Conflict.
type UpdateRequest struct {
	Title        string         `json:"title,omitempty"`
	Description  string         `json:"description,omitempty"`
	Status       model.Status   `json:"status,omitempty"`
	Priority     model.Priority `json:"priority,omitempty"`
	LastModified *time.Time     `json:"lastModified,omitempty"`
	Force        bool           `json:"forceUpdate,omitempty"`
}

// UnmarshalJSON accepts lastModified as an RFC 3339 string or as epoch
// milliseconds. null, "", 0 and false mean the client holds no version.
func (r *UpdateRequest) UnmarshalJSON(b []byte) error {
	type plain UpdateRequest
	var aux struct {
		plain
		LastModified json.RawMessage `json:"lastModified"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	lm, err := parseLastModified(aux.LastModified)
	if err != nil {
		return err
	}
	*r = UpdateRequest(aux.plain)
	r.LastModified = lm
	return nil
}

func parseLastModified(raw json.RawMessage) (*time.Time, error) {
	v := strings.TrimSpace(string(raw))
	switch v {
	case "", "null", `""`, "0", "false":
		return nil, nil
	}
	if v[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if s = strings.TrimSpace(s); s == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("lastModified: %w", err)
		}
		return &t, nil
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return nil, fmt.Errorf("lastModified: want a timestamp, got %s", v)
	}
	if ms == 0 {
		return nil, nil
	}
	t := time.UnixMilli(int64(ms)).UTC()
	return &t, nil
}

func (r UpdateRequest) empty() bool {
	return strings.TrimSpace(r.Title) == "" &&
		strings.TrimSpace(r.Description) == "" &&
		r.Status == "" &&
		r.Priority == ""
}

// Conflict reports that the stored task changed after the client last saw it.
// It is never persisted.
type Conflict struct {
	IsConflict bool           `json:"isConflict"`
	ClientTask UpdateRequest  `json:"clientTask"`
	ServerTask model.TaskView `json:"serverTask"`
	Message    string         `json:"message"`
}

// UpdateResult holds either the refreshed task or a Conflict.
type UpdateResult struct {
	Task     model.TaskView
	Conflict *Conflict
}

type conflictError struct{ server model.TaskView }

func (conflictError) Error() string { return "conflict" }

// AttemptUpdate applies req to the task unless the task was modified after
// req.LastModified. Forced or unversioned requests always apply.
//
// A conflict is not an error: it is returned in UpdateResult.Conflict and
// nothing is written.
func (s *Service) AttemptUpdate(ctx context.Context, actor model.Identity, taskID string, req UpdateRequest) (UpdateResult, error) {
	if strings.TrimSpace(taskID) == "" {
		return UpdateResult{}, Invalid("task id is required")
	}
	if req.empty() {
		return UpdateResult{}, Invalid("at least one field is required for update")
	}

	_, after, err := s.mutateTask(ctx, taskID, "update task", func(cur model.TaskView, next *model.Task) (model.ActionLog, error) {
		if !req.Force && req.LastModified != nil && cur.UpdatedAt.After(*req.LastModified) {
			return model.ActionLog{}, conflictError{server: cur}
		}
		if req.Status != "" && !req.Status.IsValid() {
			return model.ActionLog{}, Invalid("invalid status value")
		}
		if req.Priority != "" && !req.Priority.IsValid() {
			return model.ActionLog{}, Invalid("invalid priority value")
		}
		if v := strings.TrimSpace(req.Title); v != "" {
			next.Title = v
		}
		if v := strings.TrimSpace(req.Description); v != "" {
			next.Description = v
		}
		if req.Status != "" {
			next.Status = req.Status
		}
		if req.Priority != "" {
			next.Priority = req.Priority
		}
		return model.ActionLog{UserID: actor.UserID, Action: model.ActionTaskUpdated}, nil
	})

	var ce conflictError
	if errors.As(err, &ce) {
		s.log.Debug("update conflict",
			logx.String("task_id", taskID),
			logx.String("user_id", actor.UserID),
			logx.Time("server_updated_at", ce.server.UpdatedAt),
		)
		return UpdateResult{Conflict: &Conflict{
			IsConflict: true,
			ClientTask: req,
			ServerTask: ce.server,
			Message:    conflictMessage,
		}}, nil
	}
	if err != nil {
		return UpdateResult{}, err
	}

	s.publish(ctx, model.EventTaskUpdated, after)
	return UpdateResult{Task: after}, nil
}

// mutateTask loads the task, lets fn edit it and writes it back guarded by the
// loaded version. When another writer wins the race the task is reloaded and
// fn runs again, up to Options.UpdateRetries times.
//
// fn returns the audit entry to write with the change; TaskID, Subject and
// CreatedAt are filled in when empty.
func (s *Service) mutateTask(
	ctx context.Context,
	taskID, op string,
	fn func(cur model.TaskView, next *model.Task) (model.ActionLog, error),
) (model.TaskView, model.TaskView, error) {
	for attempt := 0; ; attempt++ {
		cur, err := s.st.GetTask(ctx, taskID)
		if err != nil {
			return model.TaskView{}, model.TaskView{}, s.storeErr(op, err, "task not found")
		}

		next := cur.Task()
		audit, err := fn(cur, &next)
		if err != nil {
			return cur, model.TaskView{}, err
		}
		next.UpdatedAt = s.version(cur.UpdatedAt)
		if audit.TaskID == "" {
			audit.TaskID = taskID
		}
		if audit.Subject == "" {
			audit.Subject = next.Title
		}
		if audit.CreatedAt.IsZero() {
			audit.CreatedAt = s.stamp()
		}

		err = s.st.UpdateTask(ctx, next, cur.UpdatedAt, audit)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrStale):
			if attempt >= s.opts.UpdateRetries {
				return cur, model.TaskView{}, internal(op+": too many concurrent writers", err)
			}
			s.log.Debug("task write lost race; reloading",
				logx.String("op", op),
				logx.String("task_id", taskID),
				logx.Int("attempt", attempt+1),
			)
			continue
		case errors.Is(err, storage.ErrDuplicate):
			return cur, model.TaskView{}, Invalid("task with this title already exists")
		default:
			return cur, model.TaskView{}, s.storeErr(op, err, "task not found")
		}

		after, err := s.st.GetTask(ctx, taskID)
		if err != nil {
			return cur, model.TaskView{}, s.storeErr(op, err, "task not found")
		}
		return cur, after, nil
	}
}
