package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/botfleet/internal/controlplane"
	"github.com/loykin/botfleet/internal/supervisor"
	"github.com/loykin/botfleet/internal/tenant"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrAlreadyRunning), errors.Is(err, supervisor.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrNotFound), errors.Is(err, tenant.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrSupervisorUnavailable),
		errors.Is(err, controlplane.ErrMailboxFull),
		errors.Is(err, controlplane.ErrHubClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, supervisor.ErrDecryption),
		errors.Is(err, supervisor.ErrCredentialRequired),
		errors.Is(err, supervisor.ErrInvalidCredential):
		return http.StatusUnprocessableEntity
	case errors.Is(err, tenant.ErrInvalidID), errors.Is(err, controlplane.ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}
