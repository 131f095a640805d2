package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// FuzzIsSafeName checks recording name validation never lets a path escape.
func FuzzIsSafeName(f *testing.F) {
	for _, s := range []string{"valid-name_123", "", "..", "../etc/passwd", "name/with/slash", `name\with\backslash`, "...dotted", "unicode한글name", "name\x00null", "name\nnewline"} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, name string) {
		if len(name) > 200 {
			t.Skip("name too long")
		}
		ok := isSafeName(name)
		if !ok {
			return
		}
		if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, "/\\\x00\n") {
			t.Errorf("unsafe name accepted: %q", name)
		}
	})
}

// FuzzSanitizeBase tests base path sanitization
func FuzzSanitizeBase(f *testing.F) {
	for _, s := range []string{"", "/", "/api", "/api/", "api", "  /api/v1/  ", "//multiple//slashes//", "/path\x00null"} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, basePath string) {
		if len(basePath) > 200 {
			t.Skip("base path too long")
		}
		result := sanitizeBase(basePath)
		if result != "" {
			if !strings.HasPrefix(result, "/") {
				t.Errorf("sanitized base should start with /: %q -> %q", basePath, result)
			}
			if strings.HasSuffix(result, "/") {
				t.Errorf("sanitized base should not end with /: %q -> %q", basePath, result)
			}
		}
		trimmed := strings.TrimSpace(basePath)
		if (trimmed == "" || trimmed == "/") && result != "" {
			t.Errorf("empty or root base should result in empty: %q -> %q", basePath, result)
		}
		if again := sanitizeBase(basePath); again != result {
			t.Errorf("sanitizeBase inconsistent for %q: %q vs %q", basePath, result, again)
		}
	})
}

// FuzzActiveParams feeds arbitrary query values through the router; any
// request that is not rejected up front must reach the cache with a safe name.
func FuzzActiveParams(f *testing.F) {
	f.Add("http://agent:7070", "rec-1")
	f.Add("", "rec")
	f.Add("not a url", "rec")
	f.Add("http://agent", "../../etc/passwd")
	f.Add("http://agent", "")

	f.Fuzz(func(t *testing.T, tgt, rec string) {
		active := newFakeActive()
		h := NewRouter(active, newFakeArchived(), &fakePool{}, Options{}).Handler()
		q := url.Values{"target": {tgt}, "recording": {rec}}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reports/active?"+q.Encode(), nil))
		for _, r := range active.requested() {
			if !isSafeName(r) {
				t.Fatalf("unsafe recording %q reached the cache", r)
			}
		}
		if w.Code == http.StatusOK && !isSafeName(rec) {
			t.Fatalf("request with recording %q succeeded", rec)
		}
	})
}
