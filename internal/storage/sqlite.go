package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"taskboard/internal/model"
	logx "taskboard/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers a single writer; one connection also keeps ":memory:" alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
	}
	if !memory {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("sqlite store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ---- users ----

func (s *sqliteStore) CreateUser(ctx context.Context, u model.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, full_name, email, password_hash, created_at) VALUES(?,?,?,?,?)`,
		u.ID, u.FullName, u.Email, u.PasswordHash, toNanos(u.CreatedAt),
	)
	if err != nil {
		return classify(err, "create user")
	}
	return nil
}

const userCols = `id, full_name, email, password_hash, created_at`

func scanUser(row interface{ Scan(...any) error }) (model.User, error) {
	var u model.User
	var created int64
	if err := row.Scan(&u.ID, &u.FullName, &u.Email, &u.PasswordHash, &created); err != nil {
		return model.User{}, err
	}
	u.CreatedAt = fromNanos(created)
	return u, nil
}

func (s *sqliteStore) GetUser(ctx context.Context, id string) (model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id))
	if err != nil {
		return model.User{}, classify(err, "get user")
	}
	return u, nil
}

func (s *sqliteStore) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE email = ?`, email))
	if err != nil {
		return model.User{}, classify(err, "get user by email")
	}
	return u, nil
}

func (s *sqliteStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userCols+` FROM users ORDER BY full_name, id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LeastLoadedUser(ctx context.Context) (model.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.full_name, u.email, u.password_hash, u.created_at
		FROM users u
		ORDER BY (
			SELECT COUNT(*) FROM tasks t WHERE t.assigned_to = u.id AND t.status != ?
		) ASC, u.created_at ASC, u.id ASC
		LIMIT 1`, string(model.StatusDone))
	u, err := scanUser(row)
	if err != nil {
		return model.User{}, classify(err, "least loaded user")
	}
	return u, nil
}

// ---- tasks ----

func (s *sqliteStore) CreateTask(ctx context.Context, t model.Task, audit model.ActionLog) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks(id, title, description, status, priority, created_by, assigned_to, project_id, created_at, updated_at)
			VALUES(?,?,?,?,?,?,?,?,?,?)`,
			t.ID, t.Title, t.Description, string(t.Status), string(t.Priority), t.CreatedBy,
			nullStr(t.AssignedTo), nullStr(t.ProjectID), toNanos(t.CreatedAt), toNanos(t.UpdatedAt),
		)
		if err != nil {
			return classify(err, "create task")
		}
		return insertAudit(ctx, tx, audit)
	})
}

const taskViewQuery = `
	SELECT t.id, t.title, t.description, t.status, t.priority,
		t.created_by, COALESCE(cu.full_name, ''),
		t.assigned_to, au.full_name,
		t.project_id, p.name,
		t.created_at, t.updated_at
	FROM tasks t
	LEFT JOIN users cu ON cu.id = t.created_by
	LEFT JOIN users au ON au.id = t.assigned_to
	LEFT JOIN projects p ON p.id = t.project_id`

func scanTaskView(row interface{ Scan(...any) error }) (model.TaskView, error) {
	var (
		v                      model.TaskView
		status, priority       string
		createdBy, createdName string
		assignedID, assignedNm sql.NullString
		projectID, projectName sql.NullString
		created, updated       int64
	)
	err := row.Scan(&v.ID, &v.Title, &v.Description, &status, &priority,
		&createdBy, &createdName, &assignedID, &assignedNm, &projectID, &projectName,
		&created, &updated)
	if err != nil {
		return model.TaskView{}, err
	}
	v.Status = model.Status(status)
	v.Priority = model.Priority(priority)
	v.CreatedBy = &model.UserRef{ID: createdBy, FullName: createdName}
	if assignedID.Valid && assignedID.String != "" {
		v.AssignedTo = &model.UserRef{ID: assignedID.String, FullName: assignedNm.String}
	}
	if projectID.Valid && projectID.String != "" {
		v.Project = &model.ProjectRef{ID: projectID.String, Name: projectName.String}
	}
	v.CreatedAt = fromNanos(created)
	v.UpdatedAt = fromNanos(updated)
	return v, nil
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (model.TaskView, error) {
	v, err := scanTaskView(s.db.QueryRowContext(ctx, taskViewQuery+` WHERE t.id = ?`, id))
	if err != nil {
		return model.TaskView{}, classify(err, "get task")
	}
	return v, nil
}

func (s *sqliteStore) ListTasks(ctx context.Context, f TaskFilter) ([]model.TaskView, error) {
	q := taskViewQuery
	var (
		where []string
		args  []any
	)
	if f.ProjectID != "" {
		where = append(where, "t.project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.AssignedTo != "" {
		where = append(where, "t.assigned_to = ?")
		args = append(args, f.AssignedTo)
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY t.created_at, t.id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := []model.TaskView{}
	for rows.Next() {
		v, err := scanTaskView(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateTask(ctx context.Context, t model.Task, prev time.Time, audit model.ActionLog) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET title = ?, description = ?, status = ?, priority = ?,
				assigned_to = ?, project_id = ?, updated_at = ?
			WHERE id = ? AND updated_at = ?`,
			t.Title, t.Description, string(t.Status), string(t.Priority),
			nullStr(t.AssignedTo), nullStr(t.ProjectID), toNanos(t.UpdatedAt),
			t.ID, toNanos(prev),
		)
		if err != nil {
			return classify(err, "update task")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, t.ID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("update task: %w", err)
			}
			return ErrStale
		}
		return insertAudit(ctx, tx, audit)
	})
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string, audit model.ActionLog) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return insertAudit(ctx, tx, audit)
	})
}

// ---- projects ----

func (s *sqliteStore) CreateProject(ctx context.Context, p model.Project, audit model.ActionLog) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projects(id, name, description, status, owner_id, created_at, updated_at)
			VALUES(?,?,?,?,?,?,?)`,
			p.ID, p.Name, p.Description, string(p.Status), p.OwnerID, toNanos(p.CreatedAt), toNanos(p.UpdatedAt),
		)
		if err != nil {
			return classify(err, "create project")
		}
		if err := replaceMembers(ctx, tx, p.ID, p.Members); err != nil {
			return err
		}
		return insertAudit(ctx, tx, audit)
	})
}

func replaceMembers(ctx context.Context, tx *sql.Tx, projectID string, members []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM project_members WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("clear members: %w", err)
	}
	for _, m := range members {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO project_members(project_id, user_id) VALUES(?,?)`, projectID, m)
		if err != nil {
			return classify(err, "add member")
		}
	}
	return nil
}

func (s *sqliteStore) GetProject(ctx context.Context, id string) (model.Project, error) {
	var (
		p                model.Project
		status           string
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, status, owner_id, created_at, updated_at
		FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Description, &status, &p.OwnerID, &created, &updated)
	if err != nil {
		return model.Project{}, classify(err, "get project")
	}
	p.Status = model.ProjectStatus(status)
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updated)

	refs, err := s.memberRefs(ctx, id)
	if err != nil {
		return model.Project{}, err
	}
	p.Members = make([]string, 0, len(refs))
	for _, r := range refs {
		p.Members = append(p.Members, r.ID)
	}
	return p, nil
}

func (s *sqliteStore) memberRefs(ctx context.Context, projectID string) ([]model.UserRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.full_name FROM project_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.project_id = ?
		ORDER BY u.full_name, u.id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	out := []model.UserRef{}
	for rows.Next() {
		var r model.UserRef
		if err := rows.Scan(&r.ID, &r.FullName); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetProjectView(ctx context.Context, id string) (model.ProjectView, error) {
	p, err := s.GetProject(ctx, id)
	if err != nil {
		return model.ProjectView{}, err
	}
	return s.projectView(ctx, p)
}

func (s *sqliteStore) projectView(ctx context.Context, p model.Project) (model.ProjectView, error) {
	v := model.ProjectView{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Status:      p.Status,
		Owner:       model.UserRef{ID: p.OwnerID},
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	if owner, err := s.GetUser(ctx, p.OwnerID); err == nil {
		v.Owner = owner.Ref()
	} else if !errors.Is(err, ErrNotFound) {
		return model.ProjectView{}, err
	}
	members, err := s.memberRefs(ctx, p.ID)
	if err != nil {
		return model.ProjectView{}, err
	}
	v.Members = members
	return v, nil
}

func (s *sqliteStore) ListProjectsFor(ctx context.Context, userID string) ([]model.ProjectView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT p.id FROM projects p
		LEFT JOIN project_members m ON m.project_id = p.id
		WHERE p.owner_id = ? OR m.user_id = ?
		ORDER BY p.created_at, p.id`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan project: %w", err)
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	// Resolve after closing the cursor: the pool has a single connection.
	out := make([]model.ProjectView, 0, len(ids))
	for _, id := range ids {
		v, err := s.GetProjectView(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *sqliteStore) UpdateProject(ctx context.Context, p model.Project, audit *model.ActionLog) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE projects SET name = ?, description = ?, status = ?, updated_at = ?
			WHERE id = ?`,
			p.Name, p.Description, string(p.Status), toNanos(p.UpdatedAt), p.ID,
		)
		if err != nil {
			return classify(err, "update project")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if err := replaceMembers(ctx, tx, p.ID, p.Members); err != nil {
			return err
		}
		if audit == nil {
			return nil
		}
		return insertAudit(ctx, tx, *audit)
	})
}

// ---- action log ----

func insertAudit(ctx context.Context, tx *sql.Tx, e model.ActionLog) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO action_logs(id, user_id, action, task_id, project_id, subject, created_at)
		VALUES(?,?,?,?,?,?,?)`,
		e.ID, e.UserID, e.Action, nullStr(e.TaskID), nullStr(e.ProjectID), e.Subject, toNanos(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e model.ActionLog) error {
	return s.withTx(ctx, func(tx *sql.Tx) error { return insertAudit(ctx, tx, e) })
}

func (s *sqliteStore) ListActionLogs(ctx context.Context, limit int) ([]model.ActionLogView, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.action, l.user_id, COALESCE(u.full_name, ''),
			COALESCE(l.task_id, ''), COALESCE(l.project_id, ''), l.subject, l.created_at
		FROM action_logs l
		LEFT JOIN users u ON u.id = l.user_id
		ORDER BY l.created_at DESC, l.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list action logs: %w", err)
	}
	defer rows.Close()

	out := []model.ActionLogView{}
	for rows.Next() {
		var (
			v       model.ActionLogView
			created int64
		)
		if err := rows.Scan(&v.ID, &v.Action, &v.User.ID, &v.User.FullName,
			&v.TaskID, &v.ProjectID, &v.Subject, &created); err != nil {
			return nil, fmt.Errorf("scan action log: %w", err)
		}
		v.CreatedAt = fromNanos(created)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneActionLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM action_logs WHERE created_at < ?`, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("prune action logs: %w", err)
	}
	return res.RowsAffected()
}

// ---- helpers ----

func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%s: %w", op, ErrDuplicate)
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
