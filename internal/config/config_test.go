package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

// isolateEnv points the dotenv and config file lookups at nothing so that the
// developer's environment does not leak into tests.
func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv(envDotenv, filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv(envConfigFile, "")
	for _, key := range []string{
		envListenAddr, envDBPath, envLogLevel, envStateDir, envExecution, envDispatch,
		envRemoteAddr, envIdentityFile, envKnownHosts, envAllowList, envRuntime,
		envCommandTO, envPullTO, envTraceStdout, envScheduleUnits,
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	isolateEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.Execution != ExecutionLocal || cfg.Dispatch != DispatchSelf {
		t.Errorf("strategies = %q/%q, want local/self", cfg.Execution, cfg.Dispatch)
	}
	if len(cfg.AllowedPrograms) != len(DefaultAllowedPrograms) {
		t.Errorf("AllowedPrograms = %v, want defaults", cfg.AllowedPrograms)
	}
}

func TestLoadFromEnv(t *testing.T) {
	isolateEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envCommandTO, "5s")
	t.Setenv(envAllowList, "systemctl, podman ,")
	t.Setenv(envTraceStdout, "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.CommandTimeout != 5*time.Second {
		t.Errorf("CommandTimeout = %v, want 5s", cfg.CommandTimeout)
	}
	if strings.Join(cfg.AllowedPrograms, ",") != "systemctl,podman" {
		t.Errorf("AllowedPrograms = %v, want [systemctl podman]", cfg.AllowedPrograms)
	}
	if !cfg.TraceStdout {
		t.Error("TraceStdout = false, want true")
	}
}

func TestLoadDotenvDoesNotOverride(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	content := "ANVIL_LISTEN_ADDR=:7070\nANVIL_DB_PATH=/from/dotenv.db\n"
	if err := os.WriteFile(dotenv, []byte(content), 0o600); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}
	t.Setenv(envDotenv, dotenv)
	t.Setenv(envListenAddr, ":6060")
	// godotenv sets variables directly; make sure t.Setenv restores them.
	t.Setenv(envDBPath, "")
	os.Unsetenv(envDBPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":6060" {
		t.Errorf("ListenAddr = %q, want env value :6060", cfg.ListenAddr)
	}
	if cfg.DBPath != "/from/dotenv.db" {
		t.Errorf("DBPath = %q, want dotenv value", cfg.DBPath)
	}
}

const remoteYAML = `remote_addr: host:22
identity_file: /etc/anvil/id_ed25519
known_hosts_file: /etc/anvil/known_hosts
allowed_programs: [systemctl, podman]
`

func TestExecutorEnv(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("ANVIL_UNIT_DIR=/etc/containers/systemd\n"), 0o600); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}
	t.Setenv(envDotenv, dotenv)
	t.Setenv(envUnitDir, "")
	os.Unsetenv(envUnitDir)
	t.Setenv(envConfigFile, "anvil.yaml")
	t.Setenv(envExecution, ExecutionRemote)
	t.Setenv(envDBPath, "relative.db")
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, "anvil.yaml"), []byte(remoteYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	env, err := ExecutorEnv("ANVIL_DB_PATH=/var/lib/anvil/anvil.db")
	if err != nil {
		t.Fatalf("ExecutorEnv: %v", err)
	}

	got := make(map[string]string)
	for _, kv := range env {
		key, value, _ := strings.Cut(kv, "=")
		got[key] = value
	}
	want := map[string]string{
		envConfigFile: filepath.Join(dir, "anvil.yaml"),
		envExecution:  ExecutionRemote,
		envDBPath:     "/var/lib/anvil/anvil.db",
		envUnitDir:    "/etc/containers/systemd",
	}
	for key, value := range want {
		if got[key] != value {
			t.Errorf("%s = %q, want %q", key, got[key], value)
		}
	}
	if _, ok := got[envDotenv]; ok {
		t.Errorf("%s forwarded, want it dropped", envDotenv)
	}
	if _, ok := got[envListenAddr]; ok {
		t.Errorf("empty %s forwarded", envListenAddr)
	}
	if !slices.IsSorted(env) {
		t.Errorf("env not sorted: %v", env)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "anvil.yaml")
	content := `
execution: remote
remote_addr: host.example:22
remote_user: deploy
identity_file: /etc/anvil/id_ed25519
known_hosts_file: /etc/anvil/known_hosts
allowed_programs: [systemctl, podman]
log_level: warn
timeouts:
  command: 90s
  lock_wait: 1m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(envConfigFile, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Execution != ExecutionRemote || cfg.RemoteAddr != "host.example:22" {
		t.Errorf("remote settings = %q %q", cfg.Execution, cfg.RemoteAddr)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("LogLevel = %v, want warn", cfg.LogLevel)
	}
	if cfg.CommandTimeout != 90*time.Second {
		t.Errorf("CommandTimeout = %v, want 90s", cfg.CommandTimeout)
	}
	if cfg.LockWait != time.Minute {
		t.Errorf("LockWait = %v, want 1m", cfg.LockWait)
	}
	if cfg.PullTimeout != 10*time.Minute {
		t.Errorf("PullTimeout = %v, want default 10m", cfg.PullTimeout)
	}
}

func TestLoadYAMLUnknownTimeout(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "anvil.yaml")
	if err := os.WriteFile(path, []byte("timeouts:\n  bogus: 1s\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(envConfigFile, path)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown timeout name")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"remote needs address", func(c *Config) {
			c.Execution = ExecutionRemote
			c.IdentityFile = "/k"
			c.KnownHostsFile = "/h"
		}, "remote address"},
		{"unknown execution", func(c *Config) { c.Execution = "cloud" }, "unknown execution"},
		{"unknown dispatch", func(c *Config) { c.Dispatch = "cron" }, "unknown dispatch"},
		{"relative state dir", func(c *Config) { c.StateDir = "state" }, "must be absolute"},
		{"zero timeout", func(c *Config) { c.PullTimeout = 0 }, "timeout pull"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLogLevel(tt.input); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("visible", "task_id", "t1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["msg"] != "visible" || rec["task_id"] != "t1" {
		t.Errorf("record = %v", rec)
	}
}
