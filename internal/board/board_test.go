package board

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/internal/eventbus"
	"taskboard/internal/model"
	"taskboard/internal/storage"
	logx "taskboard/pkg/logx"
)

type directCall struct{ userID, message, kind string }

type recordingNotifier struct {
	mu    sync.Mutex
	calls []directCall
}

func (n *recordingNotifier) Direct(userID, message, kind string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, directCall{userID, message, kind})
}

type fixture struct {
	svc   *Service
	st    storage.Store
	bus   eventbus.Bus
	note  *recordingNotifier
	ann   model.Identity
	bob   model.Identity
	clock time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "board.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, u := range []model.User{
		{ID: "u-ann", FullName: "Ann", Email: "ann@example.com", PasswordHash: "x"},
		{ID: "u-bob", FullName: "Bob", Email: "bob@example.com", PasswordHash: "x"},
	} {
		u.CreatedAt = created.Add(time.Duration(i) * time.Hour)
		require.NoError(t, st.CreateUser(context.Background(), u))
	}

	f := &fixture{
		st:    st,
		bus:   eventbus.New(),
		note:  &recordingNotifier{},
		ann:   model.Identity{UserID: "u-ann", FullName: "Ann"},
		bob:   model.Identity{UserID: "u-bob", FullName: "Bob"},
		clock: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = New(st, f.bus, f.note, logx.Nop(), opts)
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *fixture) createTask(t *testing.T, title string) model.TaskView {
	t.Helper()
	v, err := f.svc.CreateTask(context.Background(), f.ann, CreateTaskInput{
		Title:       title,
		Description: "desc",
		Priority:    model.PriorityMedium,
	})
	require.NoError(t, err)
	return v
}

func (f *fixture) auditCount(t *testing.T) int {
	t.Helper()
	logs, err := f.st.ListActionLogs(context.Background(), 1000)
	require.NoError(t, err)
	return len(logs)
}

func ptr[T any](v T) *T { return &v }

func TestAttemptUpdateConflictWhenStale(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	task := f.createTask(t, "Write docs")
	seen := task.UpdatedAt

	// Another user edits after the client loaded the task.
	f.advance(time.Minute)
	res, err := f.svc.AttemptUpdate(ctx, f.bob, task.ID, UpdateRequest{Priority: model.PriorityHigh})
	require.NoError(t, err)
	require.Nil(t, res.Conflict)
	stored := res.Task
	require.True(t, stored.UpdatedAt.After(seen))

	before := f.auditCount(t)
	f.advance(time.Minute)
	res, err = f.svc.AttemptUpdate(ctx, f.ann, task.ID, UpdateRequest{Title: "Write better docs", LastModified: &seen})
	require.NoError(t, err)
	require.NotNil(t, res.Conflict)
	assert.True(t, res.Conflict.IsConflict)
	assert.Equal(t, "Write better docs", res.Conflict.ClientTask.Title)
	assert.Equal(t, stored.ID, res.Conflict.ServerTask.ID)
	assert.Equal(t, model.PriorityHigh, res.Conflict.ServerTask.Priority)
	assert.True(t, res.Conflict.ServerTask.UpdatedAt.Equal(stored.UpdatedAt))
	assert.NotEmpty(t, res.Conflict.Message)

	// Nothing written on conflict.
	after, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Write docs", after.Title)
	assert.True(t, after.UpdatedAt.Equal(stored.UpdatedAt))
	assert.Equal(t, before, f.auditCount(t))
}

func TestAttemptUpdateAppliesWhenCurrent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	task := f.createTask(t, "Plan sprint")
	seen := task.UpdatedAt

	f.advance(time.Second)
	res, err := f.svc.AttemptUpdate(ctx, f.ann, task.ID, UpdateRequest{Status: model.StatusInProgress, LastModified: &seen})
	require.NoError(t, err)
	require.Nil(t, res.Conflict)
	assert.Equal(t, model.StatusInProgress, res.Task.Status)
	assert.Equal(t, "Plan sprint", res.Task.Title)
	assert.True(t, res.Task.UpdatedAt.After(seen))

	logs, err := f.st.ListActionLogs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.ActionTaskUpdated, logs[0].Action)
	assert.Equal(t, task.ID, logs[0].TaskID)
}

func TestAttemptUpdateSameFieldsTwice(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	task := f.createTask(t, "Repeat")
	req := UpdateRequest{Title: "Repeat me", Description: "same", Status: model.StatusInProgress, Priority: model.PriorityHigh}

	seen := task.UpdatedAt
	req.LastModified = &seen
	first, err := f.svc.AttemptUpdate(ctx, f.ann, task.ID, req)
	require.NoError(t, err)
	require.Nil(t, first.Conflict)

	seen = first.Task.UpdatedAt
	req.LastModified = &seen
	second, err := f.svc.AttemptUpdate(ctx, f.ann, task.ID, req)
	require.NoError(t, err)
	require.Nil(t, second.Conflict)

	assert.Equal(t, first.Task.Title, second.Task.Title)
	assert.Equal(t, first.Task.Description, second.Task.Description)
	assert.Equal(t, first.Task.Status, second.Task.Status)
	assert.Equal(t, first.Task.Priority, second.Task.Priority)
	assert.True(t, second.Task.UpdatedAt.After(first.Task.UpdatedAt), "each write is a new version")
}

func TestAttemptUpdateForceOverridesStaleVersion(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	task := f.createTask(t, "Fix login")
	seen := task.UpdatedAt

	f.advance(time.Minute)
	_, err := f.svc.AttemptUpdate(ctx, f.bob, task.ID, UpdateRequest{Description: "bob's version"})
	require.NoError(t, err)

	res, err := f.svc.AttemptUpdate(ctx, f.ann, task.ID, UpdateRequest{Description: "ann's version", LastModified: &seen, Force: true})
	require.NoError(t, err)
	require.Nil(t, res.Conflict)
	assert.Equal(t, "ann's version", res.Task.Description)
}

func TestAttemptUpdateRacingSameVersion(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	task := f.createTask(t, "Shared")
	seen := task.UpdatedAt

	first, err := f.svc.AttemptUpdate(ctx, f.ann, task.ID, UpdateRequest{Title: "Ann wins", LastModified: &seen})
	require.NoError(t, err)
	require.Nil(t, first.Conflict)

	second, err := f.svc.AttemptUpdate(ctx, f.bob, task.ID, UpdateRequest{Title: "Bob loses", LastModified: &seen})
	require.NoError(t, err)
	require.NotNil(t, second.Conflict)
	assert.Equal(t, "Ann wins", second.Conflict.ServerTask.Title)
}

func TestVersionsStrictlyIncreaseUnderFrozenClock(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	task := f.createTask(t, "Frozen")

	prev := task.UpdatedAt
	for _, p := range []model.Priority{model.PriorityLow, model.PriorityHigh, model.PriorityMedium} {
		res, err := f.svc.AttemptUpdate(ctx, f.ann, task.ID, UpdateRequest{Priority: p})
		require.NoError(t, err)
		assert.True(t, res.Task.UpdatedAt.After(prev), "version must move forward")
		prev = res.Task.UpdatedAt
	}

	// A client holding the previous version now conflicts.
	stale := prev.Add(-time.Millisecond)
	res, err := f.svc.AttemptUpdate(ctx, f.ann, task.ID, UpdateRequest{Priority: model.PriorityLow, LastModified: &stale})
	require.NoError(t, err)
	assert.NotNil(t, res.Conflict)
}

func TestUpdateRequestLastModifiedForms(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for _, tc := range []struct {
		body string
		want *time.Time
	}{
		{`{"title":"x"}`, nil},
		{`{"title":"x","lastModified":null}`, nil},
		{`{"title":"x","lastModified":""}`, nil},
		{`{"title":"x","lastModified":0}`, nil},
		{`{"title":"x","lastModified":false}`, nil},
		{`{"title":"x","lastModified":"2025-06-01T12:00:00Z"}`, &at},
		{`{"title":"x","lastModified":"2025-06-01T14:00:00+02:00"}`, &at},
		{`{"title":"x","lastModified":1748779200000}`, &at},
	} {
		var req UpdateRequest
		require.NoError(t, json.Unmarshal([]byte(tc.body), &req), tc.body)
		assert.Equal(t, "x", req.Title, tc.body)
		if tc.want == nil {
			assert.Nil(t, req.LastModified, tc.body)
			continue
		}
		require.NotNil(t, req.LastModified, tc.body)
		assert.True(t, tc.want.Equal(*req.LastModified), tc.body)
	}

	for _, bad := range []string{`{"lastModified":"yesterday"}`, `{"lastModified":true}`, `{"lastModified":{}}`} {
		var req UpdateRequest
		assert.Error(t, json.Unmarshal([]byte(bad), &req), bad)
	}

	var req UpdateRequest
	require.NoError(t, json.Unmarshal([]byte(`{"status":"Done","forceUpdate":true,"lastModified":""}`), &req))
	assert.Equal(t, model.StatusDone, req.Status)
	assert.True(t, req.Force)
}

func TestAttemptUpdateValidation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	task := f.createTask(t, "Validate me")

	_, err := f.svc.AttemptUpdate(ctx, f.ann, task.ID, UpdateRequest{})
	assert.Equal(t, KindInvalid, KindOf(err))

	_, err = f.svc.AttemptUpdate(ctx, f.ann, task.ID, UpdateRequest{Title: "  "})
	assert.Equal(t, KindInvalid, KindOf(err), "blank strings count as absent")

	before := f.auditCount(t)
	_, err = f.svc.AttemptUpdate(ctx, f.ann, task.ID, UpdateRequest{Title: "Renamed", Status: "completed"})
	assert.Equal(t, KindInvalid, KindOf(err))
	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Validate me", got.Title, "invalid enum must not partially apply")
	assert.Equal(t, before, f.auditCount(t))

	_, err = f.svc.AttemptUpdate(ctx, f.ann, "missing", UpdateRequest{Title: "x"})
	assert.Equal(t, KindNotFound, KindOf(err))

	f.createTask(t, "Taken")
	_, err = f.svc.AttemptUpdate(ctx, f.ann, task.ID, UpdateRequest{Title: "Taken"})
	assert.Equal(t, KindInvalid, KindOf(err))
}

// racingStore lets a competing writer bump the task between the service's read
// and its guarded write.
type racingStore struct {
	storage.Store
	once  sync.Once
	bumps int
	clash func()
}

func (r *racingStore) UpdateTask(ctx context.Context, t model.Task, prev time.Time, audit model.ActionLog) error {
	r.once.Do(r.clash)
	return r.Store.UpdateTask(ctx, t, prev, audit)
}

func withRacingWriter(t *testing.T, f *fixture, taskID string) {
	t.Helper()
	rs := &racingStore{Store: f.st}
	rs.clash = func() {
		cur, err := f.st.GetTask(context.Background(), taskID)
		require.NoError(t, err)
		next := cur.Task()
		next.Description = "competing write"
		next.UpdatedAt = cur.UpdatedAt.Add(time.Second)
		require.NoError(t, f.st.UpdateTask(context.Background(), next, cur.UpdatedAt,
			model.ActionLog{UserID: "u-bob", Action: model.ActionTaskUpdated, TaskID: taskID}))
		rs.bumps++
	}
	f.svc.st = rs
}

// reusedAuditStore writes every task update with an audit id that already
// exists, so the audit insert fails inside the update transaction.
type reusedAuditStore struct {
	storage.Store
	id string
}

func (r *reusedAuditStore) UpdateTask(ctx context.Context, t model.Task, prev time.Time, audit model.ActionLog) error {
	audit.ID = r.id
	return r.Store.UpdateTask(ctx, t, prev, audit)
}

func TestAuditFailureRollsBackUpdate(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	task := f.createTask(t, "Audited")

	logs, err := f.st.ListActionLogs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	f.svc.st = &reusedAuditStore{Store: f.st, id: logs[0].ID}

	events, unsub := f.bus.Subscribe(4)
	defer unsub()
	before := f.auditCount(t)

	f.advance(time.Second)
	seen := task.UpdatedAt
	res, err := f.svc.AttemptUpdate(ctx, f.ann, task.ID, UpdateRequest{Status: model.StatusDone, LastModified: &seen})
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "internal server error", Message(err))
	assert.Nil(t, res.Conflict)

	_, err = f.svc.MoveTask(ctx, f.ann, task.ID, model.StatusInProgress)
	assert.Equal(t, KindInternal, KindOf(err))

	stored, err := f.st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTodo, stored.Status)
	assert.True(t, stored.UpdatedAt.Equal(task.UpdatedAt))
	assert.Equal(t, before, f.auditCount(t))
	assert.Empty(t, events, "nothing published for a rolled back write")
}

func TestLostRaceBecomesConflictForVersionedRequest(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.createTask(t, "Contended")
	seen := task.UpdatedAt
	withRacingWriter(t, f, task.ID)

	res, err := f.svc.AttemptUpdate(context.Background(), f.ann, task.ID, UpdateRequest{Title: "Mine", LastModified: &seen})
	require.NoError(t, err)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, "competing write", res.Conflict.ServerTask.Description)
}

func TestLostRaceReappliesUnversionedRequest(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.createTask(t, "Contended")
	withRacingWriter(t, f, task.ID)

	res, err := f.svc.AttemptUpdate(context.Background(), f.ann, task.ID, UpdateRequest{Title: "Mine"})
	require.NoError(t, err)
	require.Nil(t, res.Conflict)
	assert.Equal(t, "Mine", res.Task.Title)
	assert.Equal(t, "competing write", res.Task.Description, "re-applied on the fresh snapshot")
}

func TestMutationsPublishEvents(t *testing.T) {
	f := newFixture(t, Options{})
	events, unsub := f.bus.Subscribe(16)
	defer unsub()

	ctx := WithOrigin(context.Background(), "conn-1")
	task, err := f.svc.CreateTask(ctx, f.ann, CreateTaskInput{Title: "Evented", Description: "d", Priority: model.PriorityLow})
	require.NoError(t, err)

	moved, err := f.svc.MoveTask(ctx, f.ann, task.ID, model.StatusDone)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTodo, moved.FromStatus)
	assert.Equal(t, model.StatusDone, moved.ToStatus)

	require.NoError(t, f.svc.DeleteTask(ctx, f.ann, task.ID))

	var kinds []string
	for len(kinds) < 3 {
		select {
		case e := <-events:
			kinds = append(kinds, e.Type)
			assert.Equal(t, "conn-1", e.Origin)
			if e.Type == string(model.EventTaskMoved) {
				m, ok := e.Data.(model.TaskMoved)
				require.True(t, ok)
				assert.Equal(t, model.StatusTodo, m.FromStatus)
				assert.Equal(t, model.StatusDone, m.ToStatus)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", kinds)
		}
	}
	assert.Equal(t, []string{"taskCreated", "taskMoved", "taskDeleted"}, kinds)

	_, err = f.svc.GetTask(ctx, task.ID)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, KindNotFound, KindOf(f.svc.DeleteTask(ctx, f.ann, task.ID)))
}

func TestCreateTaskValidation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for _, in := range []CreateTaskInput{
		{Description: "d", Priority: model.PriorityLow},
		{Title: "t", Priority: model.PriorityLow},
		{Title: "t", Description: "d"},
		{Title: "t", Description: "d", Priority: "Urgent"},
		{Title: "t", Description: "d", Priority: model.PriorityLow, Status: "Blocked"},
		{Title: "t", Description: "d", Priority: model.PriorityLow, AssignedTo: "ghost"},
	} {
		_, err := f.svc.CreateTask(ctx, f.ann, in)
		assert.Equal(t, KindInvalid, KindOf(err), "%+v", in)
	}

	f.createTask(t, "Unique")
	_, err := f.svc.CreateTask(ctx, f.bob, CreateTaskInput{Title: "Unique", Description: "d", Priority: model.PriorityLow})
	assert.Equal(t, KindInvalid, KindOf(err))

	list, err := f.svc.ListTasks(ctx, storage.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSmartAssign(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	busy, err := f.svc.CreateTask(ctx, f.ann, CreateTaskInput{Title: "Busy", Description: "d", Priority: model.PriorityLow, AssignedTo: "u-ann"})
	require.NoError(t, err)
	require.NotNil(t, busy.AssignedTo)

	task := f.createTask(t, "Needs owner")
	got, err := f.svc.SmartAssign(ctx, f.ann, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AssignedTo)
	assert.Equal(t, "u-bob", got.AssignedTo.ID)

	f.note.mu.Lock()
	require.Len(t, f.note.calls, 1)
	assert.Equal(t, "u-bob", f.note.calls[0].userID)
	assert.Equal(t, NotifyTaskAssigned, f.note.calls[0].kind)
	assert.Contains(t, f.note.calls[0].message, "Needs owner")
	f.note.mu.Unlock()

	_, err = f.svc.SmartAssign(ctx, f.ann, task.ID)
	assert.Equal(t, KindInvalid, KindOf(err))

	_, err = f.svc.SmartAssign(ctx, f.ann, "missing")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestAutoAssignOnCreate(t *testing.T) {
	f := newFixture(t, Options{AutoAssign: true})
	task := f.createTask(t, "Auto")
	require.NotNil(t, task.AssignedTo)
	assert.Equal(t, "u-ann", task.AssignedTo.ID, "ties go to the oldest account")
}

func TestProjectPermissions(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	p, err := f.svc.CreateProject(ctx, f.ann, CreateProjectInput{Name: "Launch"})
	require.NoError(t, err)
	assert.Equal(t, model.ProjectActive, p.Status)
	assert.Empty(t, p.Members)

	_, err = f.svc.CreateProject(ctx, f.bob, CreateProjectInput{Name: "Launch"})
	assert.Equal(t, KindInvalid, KindOf(err))

	_, _, err = f.svc.ProjectTasks(ctx, f.bob, p.ID)
	assert.Equal(t, KindForbidden, KindOf(err))

	_, err = f.svc.UpdateProject(ctx, f.bob, p.ID, ProjectUpdate{Name: ptr("Hijack")})
	assert.Equal(t, KindForbidden, KindOf(err))

	_, err = f.svc.AddMember(ctx, f.ann, p.ID, "u-bob")
	require.NoError(t, err)

	task := f.createTask(t, "Ship it")
	moved, err := f.svc.AssignToProject(ctx, f.bob, task.ID, p.ID)
	require.NoError(t, err)
	require.NotNil(t, moved.Project)
	assert.Equal(t, "Launch", moved.Project.Name)

	view, tasks, err := f.svc.ProjectTasks(ctx, f.bob, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Launch", view.Name)
	require.Len(t, tasks, 1)

	_, err = f.svc.UpdateProject(ctx, f.ann, p.ID, ProjectUpdate{Status: ptr(model.ProjectStatus("paused"))})
	assert.Equal(t, KindInvalid, KindOf(err))

	updated, err := f.svc.UpdateProject(ctx, f.ann, p.ID, ProjectUpdate{Status: ptr(model.ProjectCompleted)})
	require.NoError(t, err)
	assert.Equal(t, model.ProjectCompleted, updated.Status)

	list, err := f.svc.ListProjects(ctx, f.bob)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = f.svc.RemoveMember(ctx, f.ann, p.ID, "u-bob")
	require.NoError(t, err)
	_, err = f.svc.RemoveMember(ctx, f.ann, p.ID, "u-bob")
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = f.svc.AssignToProject(ctx, f.bob, task.ID, p.ID)
	assert.Equal(t, KindForbidden, KindOf(err))
	_, err = f.svc.AssignToProject(ctx, f.ann, task.ID, "nope")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestListActionLogsClampsLimit(t *testing.T) {
	f := newFixture(t, Options{})
	for i := 0; i < 3; i++ {
		f.createTask(t, string(rune('A'+i)))
	}
	logs, err := f.svc.ListActionLogs(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, logs, 3)

	logs, err = f.svc.ListActionLogs(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
	assert.Equal(t, "Ann", logs[0].User.FullName)
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "task not found", Message(NotFound("task not found")))
	assert.Equal(t, "internal server error", Message(internal("boom", assert.AnError)))
	assert.ErrorIs(t, internal("boom", assert.AnError), assert.AnError)
}
