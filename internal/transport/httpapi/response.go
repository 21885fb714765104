package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"taskboard/internal/auth"
	"taskboard/internal/board"
	logx "taskboard/pkg/logx"
)

// envelope is the body of every JSON response.
type envelope struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Data       any    `json:"data,omitempty"`
}

func respond(c *gin.Context, status int, message string, data any) {
	c.JSON(status, envelope{Success: true, StatusCode: status, Message: message, Data: data})
}

func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, envelope{Success: false, StatusCode: status, Message: message})
}

// statusOf maps service errors to HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrEmailTaken):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	}
	switch board.KindOf(err) {
	case board.KindNotFound:
		return http.StatusNotFound
	case board.KindInvalid:
		return http.StatusBadRequest
	case board.KindUnauthorized:
		return http.StatusUnauthorized
	case board.KindForbidden:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// writeError renders err. Internal causes are logged and replaced with a
// generic message.
func (a *API) writeError(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		a.log.Error("request failed",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Err(err),
		)
		fail(c, status, "internal server error")
		return
	}
	msg := board.Message(err)
	var be *board.Error
	if !errors.As(err, &be) {
		msg = err.Error()
	}
	fail(c, status, msg)
}
