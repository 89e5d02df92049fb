package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "anvil.db"
	defaultStateDir   = "/var/lib/anvil"

	envPrefix        = "ANVIL_"
	envDotenv        = "ANVIL_DOTENV"
	envConfigFile    = "ANVIL_CONFIG"
	envListenAddr    = "ANVIL_LISTEN_ADDR"
	envDBPath        = "ANVIL_DB_PATH"
	envLogLevel      = "ANVIL_LOG_LEVEL"
	envStateDir      = "ANVIL_STATE_DIR"
	envExecution     = "ANVIL_EXECUTION"
	envDispatch      = "ANVIL_DISPATCH"
	envRemoteAddr    = "ANVIL_REMOTE_ADDR"
	envRemoteUser    = "ANVIL_REMOTE_USER"
	envIdentityFile  = "ANVIL_REMOTE_IDENTITY"
	envKnownHosts    = "ANVIL_REMOTE_KNOWN_HOSTS"
	envAllowList     = "ANVIL_ALLOWED_PROGRAMS"
	envUnitDir       = "ANVIL_UNIT_DIR"
	envUpdateLogDir  = "ANVIL_UPDATE_LOG_DIR"
	envContainerCLI  = "ANVIL_CONTAINER_CLI"
	envRuntime       = "ANVIL_RUNTIME"
	envDockerHost    = "ANVIL_DOCKER_HOST"
	envPlatform      = "ANVIL_PLATFORM"
	envConnectTO     = "ANVIL_CONNECT_TIMEOUT"
	envCommandTO     = "ANVIL_COMMAND_TIMEOUT"
	envPullTO        = "ANVIL_PULL_TIMEOUT"
	envHealthTO      = "ANVIL_HEALTH_TIMEOUT"
	envDigestTO      = "ANVIL_DIGEST_TIMEOUT"
	envLockWait      = "ANVIL_LOCK_WAIT"
	envLockMaxHold   = "ANVIL_LOCK_MAX_HOLD"
	envStreamBudget  = "ANVIL_STREAM_BUDGET"
	envDigestTTL     = "ANVIL_DIGEST_CACHE_TTL"
	envRegistryUser  = "ANVIL_REGISTRY_USER"
	envRegistryPass  = "ANVIL_REGISTRY_PASSWORD"
	envInsecureRegs  = "ANVIL_INSECURE_REGISTRIES"
	envSchedule      = "ANVIL_SCHEDULE"
	envScheduleUnits = "ANVIL_SCHEDULE_UNITS"
	envTraceStdout   = "ANVIL_TRACE_STDOUT"
)

// Execution strategies.
const (
	ExecutionLocal  = "local"
	ExecutionRemote = "remote"
)

// Dispatch strategies.
const (
	DispatchSelf    = "self"
	DispatchSystemd = "systemd"
)

// Container runtime adapters used for inspection.
const (
	RuntimeCLI = "cli"
	RuntimeAPI = "api"
)

// DefaultAllowedPrograms is the remote program allow-list when none is configured.
var DefaultAllowedPrograms = []string{"systemctl", "journalctl", "podman", "docker"}

// Config holds deployment-time configuration. It is read once at startup.
type Config struct {
	ListenAddr string     `yaml:"listen_addr"`
	DBPath     string     `yaml:"db_path"`
	LogLevel   slog.Level `yaml:"-"`
	StateDir   string     `yaml:"state_dir"`

	Execution string `yaml:"execution"`
	Dispatch  string `yaml:"dispatch"`

	RemoteAddr      string   `yaml:"remote_addr"`
	RemoteUser      string   `yaml:"remote_user"`
	IdentityFile    string   `yaml:"identity_file"`
	KnownHostsFile  string   `yaml:"known_hosts_file"`
	AllowedPrograms []string `yaml:"allowed_programs"`

	UnitDir      string `yaml:"unit_dir"`
	UpdateLogDir string `yaml:"update_log_dir"`

	ContainerCLI string `yaml:"container_cli"`
	Runtime      string `yaml:"runtime"`
	DockerHost   string `yaml:"docker_host"`
	Platform     string `yaml:"platform"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	PullTimeout    time.Duration `yaml:"pull_timeout"`
	HealthTimeout  time.Duration `yaml:"health_timeout"`
	DigestTimeout  time.Duration `yaml:"digest_timeout"`
	LockWait       time.Duration `yaml:"lock_wait"`
	LockMaxHold    time.Duration `yaml:"lock_max_hold"`
	StreamBudget   time.Duration `yaml:"stream_budget"`
	DigestCacheTTL time.Duration `yaml:"digest_cache_ttl"`

	RegistryUser       string   `yaml:"registry_user"`
	RegistryPassword   string   `yaml:"registry_password"`
	InsecureRegistries []string `yaml:"insecure_registries"`

	Schedule      string   `yaml:"schedule"`
	ScheduleUnits []string `yaml:"schedule_units"`

	TraceStdout bool `yaml:"trace_stdout"`
}

// defaults returns the configuration used when nothing is set.
func defaults() Config {
	return Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		StateDir:        defaultStateDir,
		Execution:       ExecutionLocal,
		Dispatch:        DispatchSelf,
		AllowedPrograms: append([]string(nil), DefaultAllowedPrograms...),
		UnitDir:         "/etc/containers/systemd",
		UpdateLogDir:    "/var/log/podman-auto-update",
		ContainerCLI:    "podman",
		Runtime:         RuntimeCLI,
		Platform:        "linux/amd64",
		ConnectTimeout:  10 * time.Second,
		CommandTimeout:  60 * time.Second,
		PullTimeout:     10 * time.Minute,
		HealthTimeout:   2 * time.Minute,
		DigestTimeout:   15 * time.Second,
		LockWait:        15 * time.Minute,
		LockMaxHold:     30 * time.Minute,
		StreamBudget:    30 * time.Minute,
		DigestCacheTTL:  5 * time.Minute,
	}
}

// Load reads configuration. Sources, lowest precedence first: built-in
// defaults, the YAML file named by ANVIL_CONFIG, then ANVIL_* environment
// variables. A .env file (ANVIL_DOTENV, default ".env") is loaded into the
// environment first; it never overrides variables that are already set.
func Load() (Config, error) {
	dotenv := os.Getenv(envDotenv)
	if dotenv == "" {
		dotenv = ".env"
	}
	if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", dotenv, err)
	}

	cfg := defaults()

	if path := os.Getenv(envConfigFile); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ExecutorEnv returns the environment a detached executor needs to rebuild
// the configuration Load produced: every non-empty ANVIL_* variable,
// including those loaded from the .env file, with ANVIL_CONFIG made
// absolute. Entries in overrides replace variables of the same name.
// The result is sorted by name.
func ExecutorEnv(overrides ...string) ([]string, error) {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix) || value == "" {
			continue
		}
		// Already applied: its variables are in the environment.
		if key == envDotenv {
			continue
		}
		vars[key] = value
	}
	if path, ok := vars[envConfigFile]; ok {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", envConfigFile, err)
		}
		vars[envConfigFile] = abs
	}
	for _, kv := range overrides {
		key, value, _ := strings.Cut(kv, "=")
		vars[key] = value
	}

	env := make([]string, 0, len(vars))
	for key, value := range vars {
		env = append(env, key+"="+value)
	}
	slices.Sort(env)
	return env, nil
}

// fileConfig mirrors Config for YAML decoding with string durations.
type fileConfig struct {
	Config   `yaml:",inline"`
	LogLevel string            `yaml:"log_level"`
	Timeouts map[string]string `yaml:"timeouts"`
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	fc := fileConfig{Config: *cfg}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	*cfg = fc.Config
	if fc.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(fc.LogLevel)
	}

	for name, raw := range fc.Timeouts {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config file timeout %q: %w", name, err)
		}
		target := cfg.timeoutByName(name)
		if target == nil {
			return fmt.Errorf("config file: unknown timeout %q", name)
		}
		*target = d
	}
	return nil
}

func (c *Config) timeoutByName(name string) *time.Duration {
	switch name {
	case "connect":
		return &c.ConnectTimeout
	case "command":
		return &c.CommandTimeout
	case "pull":
		return &c.PullTimeout
	case "health":
		return &c.HealthTimeout
	case "digest":
		return &c.DigestTimeout
	case "lock_wait":
		return &c.LockWait
	case "lock_max_hold":
		return &c.LockMaxHold
	case "stream_budget":
		return &c.StreamBudget
	case "digest_cache_ttl":
		return &c.DigestCacheTTL
	}
	return nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		envListenAddr:   &cfg.ListenAddr,
		envDBPath:       &cfg.DBPath,
		envStateDir:     &cfg.StateDir,
		envExecution:    &cfg.Execution,
		envDispatch:     &cfg.Dispatch,
		envRemoteAddr:   &cfg.RemoteAddr,
		envRemoteUser:   &cfg.RemoteUser,
		envIdentityFile: &cfg.IdentityFile,
		envKnownHosts:   &cfg.KnownHostsFile,
		envUnitDir:      &cfg.UnitDir,
		envUpdateLogDir: &cfg.UpdateLogDir,
		envContainerCLI: &cfg.ContainerCLI,
		envRuntime:      &cfg.Runtime,
		envDockerHost:   &cfg.DockerHost,
		envPlatform:     &cfg.Platform,
		envRegistryUser: &cfg.RegistryUser,
		envRegistryPass: &cfg.RegistryPassword,
		envSchedule:     &cfg.Schedule,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	lists := map[string]*[]string{
		envAllowList:     &cfg.AllowedPrograms,
		envInsecureRegs:  &cfg.InsecureRegistries,
		envScheduleUnits: &cfg.ScheduleUnits,
	}
	for key, dst := range lists {
		if v := os.Getenv(key); v != "" {
			*dst = splitList(v)
		}
	}

	durations := map[string]*time.Duration{
		envConnectTO:    &cfg.ConnectTimeout,
		envCommandTO:    &cfg.CommandTimeout,
		envPullTO:       &cfg.PullTimeout,
		envHealthTO:     &cfg.HealthTimeout,
		envDigestTO:     &cfg.DigestTimeout,
		envLockWait:     &cfg.LockWait,
		envLockMaxHold:  &cfg.LockMaxHold,
		envStreamBudget: &cfg.StreamBudget,
		envDigestTTL:    &cfg.DigestCacheTTL,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envTraceStdout); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envTraceStdout, err)
		}
		cfg.TraceStdout = b
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Execution {
	case ExecutionLocal:
	case ExecutionRemote:
		if c.RemoteAddr == "" {
			errs = append(errs, errors.New("remote execution requires a remote address"))
		}
		if c.IdentityFile == "" {
			errs = append(errs, errors.New("remote execution requires an identity file"))
		}
		if c.KnownHostsFile == "" {
			errs = append(errs, errors.New("remote execution requires a known_hosts file"))
		}
		if len(c.AllowedPrograms) == 0 {
			errs = append(errs, errors.New("remote execution requires a program allow-list"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown execution strategy %q", c.Execution))
	}

	if c.Dispatch != DispatchSelf && c.Dispatch != DispatchSystemd {
		errs = append(errs, fmt.Errorf("unknown dispatch strategy %q", c.Dispatch))
	}
	if c.Runtime != RuntimeCLI && c.Runtime != RuntimeAPI {
		errs = append(errs, fmt.Errorf("unknown runtime adapter %q", c.Runtime))
	}
	if c.Runtime == RuntimeAPI && c.Execution == ExecutionRemote && c.DockerHost == "" {
		errs = append(errs, errors.New("api runtime with remote execution requires a docker host"))
	}
	if !filepath.IsAbs(c.StateDir) {
		errs = append(errs, fmt.Errorf("state dir %q must be absolute", c.StateDir))
	}

	for name, d := range map[string]time.Duration{
		"connect":          c.ConnectTimeout,
		"command":          c.CommandTimeout,
		"pull":             c.PullTimeout,
		"health":           c.HealthTimeout,
		"digest":           c.DigestTimeout,
		"lock_wait":        c.LockWait,
		"lock_max_hold":    c.LockMaxHold,
		"stream_budget":    c.StreamBudget,
		"digest_cache_ttl": c.DigestCacheTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("timeout %s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
