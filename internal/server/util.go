package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/reportd/internal/archive"
	"github.com/loykin/reportd/internal/report"
	"github.com/loykin/reportd/internal/target"
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

// isSafeName validates recording names before they are used in file names.
func isSafeName(s string) bool { return archive.ValidName(s) }

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// activeParams reads and validates the target and recording query parameters.
func activeParams(c *gin.Context) (target.ID, string, error) {
	raw := c.Query("target")
	if raw == "" {
		return target.ID{}, "", errors.New("target query param required")
	}
	id, err := target.ParseID(raw, c.Query("credentials"))
	if err != nil {
		return target.ID{}, "", err
	}
	rec := c.Query("recording")
	if !isSafeName(rec) {
		return target.ID{}, "", errors.New("invalid recording: allowed [A-Za-z0-9._-] and no '..' or path separators")
	}
	return id, rec, nil
}

// statusClientClosedRequest is the non-standard status for a client that went
// away before its report was ready.
const statusClientClosedRequest = 499

// statusFor maps a generation or target error to an HTTP status.
func statusFor(err error) int {
	switch report.KindOf(err) {
	case report.KindCanceled:
		return statusClientClosedRequest
	case report.KindRecordingNotFound:
		return http.StatusNotFound
	case report.KindTargetConnection:
		return http.StatusBadGateway
	case report.KindOutOfMemory, report.KindTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
