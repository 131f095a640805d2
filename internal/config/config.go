package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/reportd/internal/logger"
	"github.com/loykin/reportd/internal/target/agent"
)

// EnvPrefix prefixes environment overrides, e.g. REPORTD_SERVER_LISTEN.
const EnvPrefix = "REPORTD"

// Config represents the top-level TOML structure.
type Config struct {
	Server  ServerConfig   `toml:"server" mapstructure:"server"`
	Log     logger.Config  `toml:"log" mapstructure:"log"`
	Pool    PoolConfig     `toml:"pool" mapstructure:"pool"`
	Reports ReportsConfig  `toml:"reports" mapstructure:"reports"`
	Archive ArchiveConfig  `toml:"archive" mapstructure:"archive"`
	Targets []TargetConfig `toml:"targets" mapstructure:"targets"`
	History HistoryConfig  `toml:"history" mapstructure:"history"`
	Metrics MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
}

type ServerConfig struct {
	Listen          string        `toml:"listen" mapstructure:"listen"`
	BasePath        string        `toml:"base_path" mapstructure:"base_path"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	TLS             TLSConfig     `toml:"tls" mapstructure:"tls"`
}

// TLSConfig enables HTTPS for the report API. CertFile/KeyFile take
// precedence over Dir, where tls.crt/tls.key are read (and generated when
// AutoGenerate is set).
type TLSConfig struct {
	Enabled      bool   `toml:"enabled" mapstructure:"enabled"`
	CertFile     string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string `toml:"key_file" mapstructure:"key_file"`
	Dir          string `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool   `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string `toml:"min_version" mapstructure:"min_version"`
}

// PoolConfig configures target connections.
type PoolConfig struct {
	TTL            time.Duration `toml:"ttl" mapstructure:"ttl"`
	SweepInterval  time.Duration `toml:"sweep_interval" mapstructure:"sweep_interval"`
	ConnectTimeout time.Duration `toml:"connect_timeout" mapstructure:"connect_timeout"`
	CACert         string        `toml:"ca_cert" mapstructure:"ca_cert"`
	ClientCert     string        `toml:"client_cert" mapstructure:"client_cert"`
	ClientKey      string        `toml:"client_key" mapstructure:"client_key"`
	Insecure       bool          `toml:"insecure" mapstructure:"insecure"`
}

type ReportsConfig struct {
	ReportDir   string        `toml:"report_dir" mapstructure:"report_dir"`
	TmpDir      string        `toml:"tmp_dir" mapstructure:"tmp_dir"`
	Timeout     time.Duration `toml:"timeout" mapstructure:"timeout"`
	Concurrency int64         `toml:"concurrency" mapstructure:"concurrency"`
	ActiveTTL   time.Duration `toml:"active_ttl" mapstructure:"active_ttl"`
	MaxHeapMB   int64         `toml:"max_heap_mb" mapstructure:"max_heap_mb"`
	Command     []string      `toml:"command" mapstructure:"command"`
	Env         []string      `toml:"env" mapstructure:"env"`
	EnvFiles    []string      `toml:"env_files" mapstructure:"env_files"`
	ChildLogDir string        `toml:"child_log_dir" mapstructure:"child_log_dir"`
}

type ArchiveConfig struct {
	Dir string `toml:"dir" mapstructure:"dir"`
}

// TargetConfig names credentials used to reach target agents. The password
// is read from PasswordEnv when set.
type TargetConfig struct {
	Name        string `toml:"name" mapstructure:"name"`
	Username    string `toml:"username" mapstructure:"username"`
	Password    string `toml:"password" mapstructure:"password"`
	PasswordEnv string `toml:"password_env" mapstructure:"password_env"`
}

type HistoryConfig struct {
	Sinks []string `toml:"sinks" mapstructure:"sinks"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
	// Listen serves /metrics on a separate address; empty mounts it on the API router.
	Listen string `toml:"listen" mapstructure:"listen"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:8480",
			BasePath:        "/api",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: logger.Config{Level: "info", Format: "text"},
		Pool: PoolConfig{
			TTL:            10 * time.Minute,
			SweepInterval:  30 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		Reports: ReportsConfig{
			ReportDir:   filepath.Join(os.TempDir(), "reportd", "reports"),
			TmpDir:      filepath.Join(os.TempDir(), "reportd", "tmp"),
			Timeout:     5 * time.Minute,
			Concurrency: 1,
			ActiveTTL:   30 * time.Minute,
		},
		Archive: ArchiveConfig{Dir: filepath.Join(os.TempDir(), "reportd", "archive")},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// setDefaults registers every scalar key so REPORTD_* overrides reach Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.base_path", d.Server.BasePath)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.tls.enabled", d.Server.TLS.Enabled)
	v.SetDefault("server.tls.cert_file", d.Server.TLS.CertFile)
	v.SetDefault("server.tls.key_file", d.Server.TLS.KeyFile)
	v.SetDefault("server.tls.dir", d.Server.TLS.Dir)
	v.SetDefault("server.tls.auto_generate", d.Server.TLS.AutoGenerate)
	v.SetDefault("server.tls.min_version", d.Server.TLS.MinVersion)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.color", d.Log.Color)
	v.SetDefault("log.file.path", d.Log.File.Path)
	v.SetDefault("log.file.dir", d.Log.File.Dir)
	v.SetDefault("log.file.max_size_mb", d.Log.File.MaxSizeMB)
	v.SetDefault("log.file.max_backups", d.Log.File.MaxBackups)
	v.SetDefault("log.file.max_age_days", d.Log.File.MaxAgeDays)
	v.SetDefault("log.file.compress", d.Log.File.Compress)
	v.SetDefault("pool.ttl", d.Pool.TTL)
	v.SetDefault("pool.sweep_interval", d.Pool.SweepInterval)
	v.SetDefault("pool.connect_timeout", d.Pool.ConnectTimeout)
	v.SetDefault("pool.ca_cert", d.Pool.CACert)
	v.SetDefault("pool.client_cert", d.Pool.ClientCert)
	v.SetDefault("pool.client_key", d.Pool.ClientKey)
	v.SetDefault("pool.insecure", d.Pool.Insecure)
	v.SetDefault("reports.report_dir", d.Reports.ReportDir)
	v.SetDefault("reports.tmp_dir", d.Reports.TmpDir)
	v.SetDefault("reports.timeout", d.Reports.Timeout)
	v.SetDefault("reports.concurrency", d.Reports.Concurrency)
	v.SetDefault("reports.active_ttl", d.Reports.ActiveTTL)
	v.SetDefault("reports.max_heap_mb", d.Reports.MaxHeapMB)
	v.SetDefault("reports.child_log_dir", d.Reports.ChildLogDir)
	v.SetDefault("archive.dir", d.Archive.Dir)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
}

// Load reads the TOML file at path over the defaults and applies REPORTD_*
// environment overrides. An empty path loads defaults and environment only.
// The result is validated.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path %q must start with /", c.Server.BasePath))
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls: cert_file and key_file must be set together"))
	}
	if t := c.Server.TLS; t.Enabled && t.CertFile == "" && t.Dir == "" {
		errs = append(errs, errors.New("server.tls: cert_file/key_file or dir is required"))
	}
	if c.Pool.TTL <= 0 {
		errs = append(errs, errors.New("pool.ttl must be positive"))
	}
	if c.Pool.SweepInterval <= 0 {
		errs = append(errs, errors.New("pool.sweep_interval must be positive"))
	}
	if c.Reports.Timeout <= 0 {
		errs = append(errs, errors.New("reports.timeout must be positive"))
	}
	if c.Reports.Concurrency <= 0 {
		errs = append(errs, errors.New("reports.concurrency must be positive"))
	}
	if c.Reports.ActiveTTL <= 0 {
		errs = append(errs, errors.New("reports.active_ttl must be positive"))
	}
	if c.Reports.MaxHeapMB < 0 {
		errs = append(errs, errors.New("reports.max_heap_mb must not be negative"))
	}
	if c.Reports.ReportDir == "" {
		errs = append(errs, errors.New("reports.report_dir is required"))
	}
	if c.Reports.TmpDir == "" {
		errs = append(errs, errors.New("reports.tmp_dir is required"))
	}
	if c.Archive.Dir == "" {
		errs = append(errs, errors.New("archive.dir is required"))
	}
	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("targets[%d]: name is required", i))
			continue
		}
		if seen[t.Name] {
			errs = append(errs, fmt.Errorf("targets[%d]: duplicate name %q", i, t.Name))
		}
		seen[t.Name] = true
	}
	return errors.Join(errs...)
}

// EnsureDirs creates the report, temporary and archive directories.
func (c Config) EnsureDirs() error {
	for _, d := range []string{c.Reports.ReportDir, c.Reports.TmpDir, c.Archive.Dir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// Credentials builds the credential table for the agent connector.
func (c Config) Credentials() agent.StaticCredentials {
	out := make(agent.StaticCredentials, len(c.Targets))
	for _, t := range c.Targets {
		pass := t.Password
		if t.PasswordEnv != "" {
			pass = os.Getenv(t.PasswordEnv)
		}
		out[t.Name] = [2]string{t.Username, pass}
	}
	return out
}

// AgentTLS returns TLS settings for target connections, nil when none are set.
func (c Config) AgentTLS() *agent.TLSClientConfig {
	p := c.Pool
	if p.CACert == "" && p.ClientCert == "" && p.ClientKey == "" {
		return nil
	}
	return &agent.TLSClientConfig{CACert: p.CACert, ClientCert: p.ClientCert, ClientKey: p.ClientKey}
}

// ChildEnv merges reports.env_files then reports.env into KEY=VALUE pairs
// for render children; later entries win. The result is sorted.
func (c Config) ChildEnv() ([]string, error) {
	m := make(map[string]string)
	for _, p := range c.Reports.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Reports.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// MaxHeapBytes converts reports.max_heap_mb to bytes.
func (c Config) MaxHeapBytes() int64 { return c.Reports.MaxHeapMB << 20 }

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
