package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/loykin/reportd/internal/report"
	"github.com/loykin/reportd/internal/target"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestIsSafeName(t *testing.T) {
	valid := []string{"a", "A1._-", "name.1-2_3"}
	invalid := []string{"", "..", "a..b", "a/b", `a\\b`, "hello*", "unicode한글"}
	for _, s := range valid {
		if !isSafeName(s) {
			t.Fatalf("expected valid name %q", s)
		}
	}
	for _, s := range invalid {
		if isSafeName(s) {
			t.Fatalf("expected invalid name %q", s)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, 201, map[string]any{"a": 1}) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != 201 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type: %s", ct)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&report.GenerationError{Kind: report.KindRecordingNotFound, ExitCode: report.ExitRecordingNotFound}, http.StatusNotFound},
		{fmt.Errorf("open: %w", target.ErrRecordingNotFound), http.StatusNotFound},
		{&report.GenerationError{Kind: report.KindTargetConnection, ExitCode: report.ExitTargetConnection}, http.StatusBadGateway},
		{&target.ConnectError{Target: target.ID{URL: "http://a"}, Err: errors.New("refused")}, http.StatusBadGateway},
		{&report.GenerationError{Kind: report.KindOutOfMemory, ExitCode: report.ExitOutOfMemory}, http.StatusServiceUnavailable},
		{&report.GenerationError{Kind: report.KindTimeout, ExitCode: -1}, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{&report.GenerationError{Kind: report.KindCanceled, ExitCode: -1}, statusClientClosedRequest},
		{fmt.Errorf("wait: %w", context.Canceled), statusClientClosedRequest},
		{&report.GenerationError{Kind: report.KindOther, ExitCode: report.ExitRenderFailure}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for i, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Fatalf("case %d: statusFor(%v)=%d want %d", i, c.err, got, c.want)
		}
	}
}
