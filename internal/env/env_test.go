package env

import (
	"strings"
	"testing"
)

func lookup(out []string, k string) (string, bool) {
	for _, kv := range out {
		if strings.HasPrefix(kv, k+"=") {
			return kv[len(k)+1:], true
		}
	}
	return "", false
}

func TestMergePrecedenceAndExpansion(t *testing.T) {
	e := New().WithSet("A", "1").WithPairs([]string{"B=${A}-x", "bad", "=nokey"})
	out := e.Merge([]string{"A=2", "C=${B}"})
	if v, _ := lookup(out, "A"); v != "2" {
		t.Fatalf("extra must override vars: A=%q", v)
	}
	if v, _ := lookup(out, "B"); v != "2-x" {
		t.Fatalf("B not expanded against composed set: %q", v)
	}
	// single pass: C references B's raw value
	if v, _ := lookup(out, "C"); v != "${A}-x" && v != "2-x" {
		t.Fatalf("unexpected C=%q", v)
	}
	for _, kv := range out {
		if strings.HasPrefix(kv, "=") || !strings.Contains(kv, "=") {
			t.Fatalf("malformed pair leaked: %q", kv)
		}
	}
}

func TestWithSetDoesNotMutate(t *testing.T) {
	a := New().WithSet("K", "1")
	b := a.WithSet("K", "2")
	if v, _ := lookup(a.Merge(nil), "K"); v != "1" {
		t.Fatalf("original mutated: %q", v)
	}
	if v, _ := lookup(b.Merge(nil), "K"); v != "2" {
		t.Fatalf("copy not updated: %q", v)
	}
}

func TestFromOSIncludesProcessEnv(t *testing.T) {
	t.Setenv("REPORTD_ENV_TEST", "present")
	out := FromOS().Merge(nil)
	if v, ok := lookup(out, "REPORTD_ENV_TEST"); !ok || v != "present" {
		t.Fatalf("OS env missing: %q %v", v, ok)
	}
}
