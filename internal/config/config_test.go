package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "reportd.toml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad_FileOverDefaults(t *testing.T) {
	path := writeTOML(t, `
[server]
listen = "0.0.0.0:9999"
base_path = "/reports-api"

[log]
level = "debug"
format = "json"

[pool]
ttl = "2m"
sweep_interval = "5s"

[reports]
report_dir = "/var/lib/reportd/reports"
tmp_dir = "/var/lib/reportd/tmp"
timeout = "90s"
concurrency = 2
max_heap_mb = 512
command = ["/usr/bin/reportd", "render"]
env = ["RENDER_THEME=dark"]

[archive]
dir = "/var/lib/reportd/archive"

[[targets]]
name = "prod"
username = "ops"
password = "secret"

[history]
sinks = ["sqlite://:memory:"]

[metrics]
enabled = false
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Server.Listen != "0.0.0.0:9999" || c.Server.BasePath != "/reports-api" {
		t.Fatalf("server not loaded: %+v", c.Server)
	}
	if c.Server.ShutdownTimeout != 10*time.Second {
		t.Fatalf("default shutdown timeout lost: %v", c.Server.ShutdownTimeout)
	}
	if c.Log.Level != "debug" || c.Log.Format != "json" {
		t.Fatalf("log not loaded: %+v", c.Log)
	}
	if c.Pool.TTL != 2*time.Minute || c.Pool.SweepInterval != 5*time.Second {
		t.Fatalf("pool not loaded: %+v", c.Pool)
	}
	r := c.Reports
	if r.Timeout != 90*time.Second || r.Concurrency != 2 || r.ActiveTTL != 30*time.Minute {
		t.Fatalf("reports not loaded: %+v", r)
	}
	if len(r.Command) != 2 || r.Command[1] != "render" {
		t.Fatalf("command not loaded: %v", r.Command)
	}
	if c.MaxHeapBytes() != 512<<20 {
		t.Fatalf("unexpected heap bytes %d", c.MaxHeapBytes())
	}
	if len(c.History.Sinks) != 1 || c.Metrics.Enabled {
		t.Fatalf("history/metrics not loaded: %+v %+v", c.History, c.Metrics)
	}
	creds := c.Credentials()
	if u, p, ok := creds.Lookup("prod"); !ok || u != "ops" || p != "secret" {
		t.Fatalf("credentials: %q %q %v", u, p, ok)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("REPORTD_SERVER_LISTEN", "127.0.0.1:7000")
	t.Setenv("REPORTD_REPORTS_CONCURRENCY", "3")
	t.Setenv("REPORTD_POOL_TTL", "45s")
	path := writeTOML(t, "[server]\nlisten = \"127.0.0.1:1\"\n")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Server.Listen != "127.0.0.1:7000" {
		t.Fatalf("env should override file, got %q", c.Server.Listen)
	}
	if c.Reports.Concurrency != 3 || c.Pool.TTL != 45*time.Second {
		t.Fatalf("env overrides not applied: %d %v", c.Reports.Concurrency, c.Pool.TTL)
	}
}

func TestLoad_NoFile(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Reports.Concurrency != 1 {
		t.Fatalf("expected defaults, got %+v", c.Reports)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Load(writeTOML(t, "[server\nlisten=")); err == nil {
		t.Fatalf("expected parse error")
	}
	_, err := Load(writeTOML(t, "[reports]\ntimeout = \"0s\"\nconcurrency = 0\n"))
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"reports.timeout", "reports.concurrency"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q should mention %s", err, want)
		}
	}
}

func TestValidate_Targets(t *testing.T) {
	c := Default()
	c.Targets = []TargetConfig{{Name: "a"}, {Name: "a"}, {}}
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate") || !strings.Contains(err.Error(), "name is required") {
		t.Fatalf("unexpected error: %v", err)
	}
	c = Default()
	c.Server.BasePath = "api"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected base path error")
	}
}

func TestValidate_ServerTLS(t *testing.T) {
	c := Default()
	c.Server.TLS = TLSConfig{Enabled: true}
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "server.tls") {
		t.Fatalf("expected tls error, got %v", err)
	}
	c.Server.TLS = TLSConfig{Enabled: true, CertFile: "/etc/reportd/tls.crt"}
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "together") {
		t.Fatalf("expected cert/key pairing error, got %v", err)
	}
	c.Server.TLS = TLSConfig{Enabled: true, Dir: "/etc/reportd/certs", AutoGenerate: true}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCredentials_PasswordEnv(t *testing.T) {
	t.Setenv("AGENT_PASS", "from-env")
	c := Default()
	c.Targets = []TargetConfig{{Name: "edge", Username: "u", Password: "ignored", PasswordEnv: "AGENT_PASS"}}
	if _, p, _ := c.Credentials().Lookup("edge"); p != "from-env" {
		t.Fatalf("expected password from env, got %q", p)
	}
}

func TestAgentTLS(t *testing.T) {
	c := Default()
	if c.AgentTLS() != nil {
		t.Fatalf("expected nil TLS config by default")
	}
	c.Pool.CACert = "/etc/reportd/ca.pem"
	if tls := c.AgentTLS(); tls == nil || tls.CACert != "/etc/reportd/ca.pem" {
		t.Fatalf("unexpected TLS config: %+v", tls)
	}
}

func TestEnsureDirs(t *testing.T) {
	root := t.TempDir()
	c := Default()
	c.Reports.ReportDir = filepath.Join(root, "r")
	c.Reports.TmpDir = filepath.Join(root, "t")
	c.Archive.Dir = filepath.Join(root, "a")
	if err := c.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, d := range []string{"r", "t", "a"} {
		if fi, err := os.Stat(filepath.Join(root, d)); err != nil || !fi.IsDir() {
			t.Fatalf("dir %s not created: %v", d, err)
		}
	}
}
