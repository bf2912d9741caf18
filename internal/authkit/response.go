package authkit

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// apiResponse is the success envelope.
type apiResponse struct {
	Status  int         `json:"status"`
	Data    interface{} `json:"data"`
	Message string      `json:"message"`
}

// apiError is the failure envelope.
type apiError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// RespondSuccess writes the success envelope.
func RespondSuccess(contextGin *gin.Context, status int, data interface{}, message string) {
	contextGin.JSON(status, apiResponse{Status: status, Data: data, Message: message})
}

// RespondError aborts with the failure envelope for err.
func RespondError(contextGin *gin.Context, err error) {
	status, message := StatusForError(err)
	contextGin.AbortWithStatusJSON(status, apiError{Status: status, Message: message})
}

// StatusForError maps an error from the session manager to an HTTP status and a caller-safe message.
func StatusForError(err error) (int, string) {
	message := ""
	var sessionErr *SessionError
	if errors.As(err, &sessionErr) {
		message = sessionErr.Message
	}
	status := http.StatusInternalServerError
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrUserNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, ErrStorage):
		status = http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError, "internal error"
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return status, message
}
