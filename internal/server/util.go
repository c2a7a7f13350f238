package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/fleetr/internal/auth"
	"github.com/loykin/fleetr/internal/directory"
	"github.com/loykin/fleetr/internal/installer"
)

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

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

// statusFor maps package sentinels to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, directory.ErrHostNotFound),
		errors.Is(err, directory.ErrCommandNotFound),
		errors.Is(err, directory.ErrNotDiscovered):
		return http.StatusNotFound
	case errors.Is(err, directory.ErrInvalidDescriptor),
		errors.Is(err, directory.ErrInvalidAction),
		errors.Is(err, installer.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, directory.ErrHostUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, directory.ErrNoSideChannel),
		errors.Is(err, directory.ErrNoScanners),
		errors.Is(err, directory.ErrCommandNotPending):
		return http.StatusConflict
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrUnsupportedMethod):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), errorResp{Error: err.Error()})
}

// waitParam parses the optional ?wait= duration used to block on a command
// result. Invalid values and values above max are rejected or clamped.
func waitParam(c *gin.Context, max time.Duration) (time.Duration, bool) {
	s := c.Query("wait")
	if s == "" {
		return 0, true
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid wait duration"})
		return 0, false
	}
	if d > max {
		d = max
	}
	return d, true
}
