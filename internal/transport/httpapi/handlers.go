package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"taskboard/internal/auth"
	"taskboard/internal/board"
	"taskboard/internal/model"
	"taskboard/internal/realtime"
	"taskboard/internal/storage"
	"taskboard/internal/transport/ws"
)

// --- auth ---

func (a *API) register(c *gin.Context) {
	var in auth.RegisterInput
	if !bind(c, &in) {
		return
	}
	u, err := a.auth.Register(c.Request.Context(), in)
	if err != nil {
		a.writeError(c, err)
		return
	}
	respond(c, http.StatusCreated, "user registered", gin.H{"user": u.Public()})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *API) login(c *gin.Context) {
	var in loginRequest
	if !bind(c, &in) {
		return
	}
	tok, u, err := a.auth.Login(c.Request.Context(), in.Email, in.Password)
	if err != nil {
		a.writeError(c, err)
		return
	}
	a.setTokenCookie(c, tok, int(a.auth.TokenTTL().Seconds()))
	respond(c, http.StatusOK, "login successful", gin.H{"token": tok, "user": u.Public()})
}

func (a *API) logout(c *gin.Context) {
	a.setTokenCookie(c, "", -1)
	respond(c, http.StatusOK, "logged out", nil)
}

func (a *API) setTokenCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(ws.TokenCookie, value, maxAge, "/", "", a.cookieSecure, true)
}

// --- users ---

func (a *API) listUsers(c *gin.Context) {
	users, err := a.board.ListUsers(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, "users fetched", users)
}

func (a *API) onlineUsers(c *gin.Context) {
	var users []realtime.PresenceUser
	if a.hub != nil {
		users = a.hub.Presence()
	}
	if users == nil {
		users = []realtime.PresenceUser{}
	}
	respond(c, http.StatusOK, "online users fetched", realtime.PresenceList{Users: users})
}

// --- tasks ---

func (a *API) listTasks(c *gin.Context) {
	f := storage.TaskFilter{
		ProjectID:  strings.TrimSpace(c.Query("projectId")),
		AssignedTo: strings.TrimSpace(c.Query("assignedTo")),
	}
	tasks, err := a.board.ListTasks(c.Request.Context(), f)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if tasks == nil {
		tasks = []model.TaskView{}
	}
	respond(c, http.StatusOK, "tasks fetched", tasks)
}

func (a *API) createTask(c *gin.Context) {
	var in board.CreateTaskInput
	if !bind(c, &in) {
		return
	}
	t, err := a.board.CreateTask(c.Request.Context(), identity(c), in)
	if err != nil {
		a.writeError(c, err)
		return
	}
	respond(c, http.StatusCreated, "task created", t)
}

func (a *API) getTask(c *gin.Context) {
	t, err := a.board.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, "task fetched", t)
}

// conflictBody is the 409 response: the envelope flags plus the conflict itself.
type conflictBody struct {
	Success    bool `json:"success"`
	StatusCode int  `json:"statusCode"`
	board.Conflict
}

func (a *API) updateTask(c *gin.Context) {
	var req board.UpdateRequest
	if !bind(c, &req) {
		return
	}
	res, err := a.board.AttemptUpdate(c.Request.Context(), identity(c), c.Param("id"), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if res.Conflict != nil {
		c.JSON(http.StatusConflict, conflictBody{StatusCode: http.StatusConflict, Conflict: *res.Conflict})
		return
	}
	respond(c, http.StatusOK, "task updated", gin.H{"task": res.Task})
}

type moveRequest struct {
	Status model.Status `json:"status"`
}

func (a *API) moveTask(c *gin.Context) {
	var in moveRequest
	if !bind(c, &in) {
		return
	}
	res, err := a.board.MoveTask(c.Request.Context(), identity(c), c.Param("id"), in.Status)
	if err != nil {
		a.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, "task status updated", res)
}

func (a *API) deleteTask(c *gin.Context) {
	id := c.Param("id")
	if err := a.board.DeleteTask(c.Request.Context(), identity(c), id); err != nil {
		a.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, "task deleted", gin.H{"id": id})
}

func (a *API) smartAssign(c *gin.Context) {
	t, err := a.board.SmartAssign(c.Request.Context(), identity(c), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, "task assigned", t)
}

// --- projects ---

func (a *API) listProjects(c *gin.Context) {
	ps, err := a.board.ListProjects(c.Request.Context(), identity(c))
	if err != nil {
		a.writeError(c, err)
		return
	}
	if ps == nil {
		ps = []model.ProjectView{}
	}
	respond(c, http.StatusOK, "projects fetched", ps)
}

func (a *API) createProject(c *gin.Context) {
	var in board.CreateProjectInput
	if !bind(c, &in) {
		return
	}
	p, err := a.board.CreateProject(c.Request.Context(), identity(c), in)
	if err != nil {
		a.writeError(c, err)
		return
	}
	respond(c, http.StatusCreated, "project created", p)
}

func (a *API) updateProject(c *gin.Context) {
	var in board.ProjectUpdate
	if !bind(c, &in) {
		return
	}
	p, err := a.board.UpdateProject(c.Request.Context(), identity(c), c.Param("id"), in)
	if err != nil {
		a.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, "project updated", p)
}

func (a *API) projectTasks(c *gin.Context) {
	p, tasks, err := a.board.ProjectTasks(c.Request.Context(), identity(c), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	if tasks == nil {
		tasks = []model.TaskView{}
	}
	respond(c, http.StatusOK, "project tasks fetched", gin.H{"project": p, "tasks": tasks})
}

type assignRequest struct {
	TaskID    string `json:"taskId"`
	ProjectID string `json:"projectId"`
}

func (a *API) assignToProject(c *gin.Context) {
	var in assignRequest
	if !bind(c, &in) {
		return
	}
	t, err := a.board.AssignToProject(c.Request.Context(), identity(c), in.TaskID, in.ProjectID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, "task assigned to project", t)
}

type memberRequest struct {
	UserID string `json:"userId"`
}

func (a *API) addMember(c *gin.Context) {
	var in memberRequest
	if !bind(c, &in) {
		return
	}
	p, err := a.board.AddMember(c.Request.Context(), identity(c), c.Param("id"), in.UserID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, "member added", p)
}

func (a *API) removeMember(c *gin.Context) {
	p, err := a.board.RemoveMember(c.Request.Context(), identity(c), c.Param("id"), c.Param("userId"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, "member removed", p)
}

// --- logs ---

func (a *API) listLogs(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			fail(c, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	logs, err := a.board.ListActionLogs(c.Request.Context(), limit)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if logs == nil {
		logs = []model.ActionLogView{}
	}
	respond(c, http.StatusOK, "action logs fetched", logs)
}
