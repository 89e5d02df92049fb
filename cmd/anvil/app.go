package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/dispatch"
	"github.com/seantiz/anvil/internal/engine"
	"github.com/seantiz/anvil/internal/hostexec"
	"github.com/seantiz/anvil/internal/logstream"
	"github.com/seantiz/anvil/internal/registry"
	"github.com/seantiz/anvil/internal/store"
	"github.com/seantiz/anvil/internal/verify"
)

// app holds the components shared by every command.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.SQLiteStore
	hosts    *hostexec.Registry
	backend  hostexec.Backend
	verifier *verify.Verifier
	engine   *engine.Engine
	streamer *logstream.Streamer

	dispatcher dispatch.Dispatcher

	closers []func() error
}

// newApp loads configuration and wires the engine. The caller must call
// close when done.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:    cfg,
		logger: config.NewLogger(os.Stdout, cfg.LogLevel),
	}
	if err := a.init(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg

	if cfg.TraceStdout {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		a.closers = append(a.closers, func() error {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return tp.Shutdown(sctx)
		})
	}

	dbPath, err := filepath.Abs(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("resolve db path: %w", err)
	}
	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.store = db
	a.closers = append(a.closers, db.Close)

	a.hosts = hostexec.NewRegistry()
	local := hostexec.NewLocal(hostexec.LocalConfig{
		AllowedPrograms: cfg.AllowedPrograms,
		OwnedRoots:      []string{cfg.StateDir},
		CommandTimeout:  cfg.CommandTimeout,
	}, a.logger)
	a.hosts.Register(hostexec.BackendLocal, local)

	if cfg.Execution == config.ExecutionRemote {
		remote, err := hostexec.NewRemote(hostexec.RemoteConfig{
			Addr:            cfg.RemoteAddr,
			User:            cfg.RemoteUser,
			IdentityFile:    cfg.IdentityFile,
			KnownHostsFile:  cfg.KnownHostsFile,
			AllowedPrograms: cfg.AllowedPrograms,
			OwnedRoots:      []string{cfg.StateDir},
			ConnectTimeout:  cfg.ConnectTimeout,
			CommandTimeout:  cfg.CommandTimeout,
		}, a.logger)
		if err != nil {
			return err
		}
		a.hosts.Register(hostexec.BackendRemote, remote)
		a.closers = append(a.closers, remote.Close)
	}
	if err := a.hosts.Activate(cfg.Execution); err != nil {
		return err
	}
	if a.backend, err = a.hosts.Active(); err != nil {
		return err
	}

	dispatcher, err := a.newDispatcher()
	if err != nil {
		return err
	}
	a.dispatcher = dispatcher

	var runtime verify.Runtime
	switch cfg.Runtime {
	case config.RuntimeAPI:
		rt, err := verify.NewDockerRuntime(cfg.DockerHost, cfg.Platform)
		if err != nil {
			return err
		}
		runtime = rt
	default:
		runtime = verify.NewCLIRuntime(a.backend, cfg.ContainerCLI, cfg.PullTimeout)
	}

	platform, err := registry.ParsePlatform(cfg.Platform)
	if err != nil {
		return err
	}
	client := registry.NewClient(registry.Config{
		Username: cfg.RegistryUser,
		Password: cfg.RegistryPassword,
		Insecure: cfg.InsecureRegistries,
		Timeout:  cfg.DigestTimeout,
	}, a.logger)
	a.verifier = verify.NewVerifier(verify.NewCache(client, cfg.DigestCacheTTL), runtime, platform, a.logger)

	// Executors may start in another directory with another environment.
	env, err := config.ExecutorEnv("ANVIL_DB_PATH=" + dbPath)
	if err != nil {
		return err
	}

	broker := engine.NewLogBroker()
	a.engine = engine.NewEngine(engine.Deps{
		Store:      db,
		Backend:    a.backend,
		Dispatcher: dispatcher,
		Runtime:    runtime,
		Verifier:   a.verifier,
		Broker:     broker,
	}, engine.Config{
		UnitDir:       cfg.UnitDir,
		PullTimeout:   cfg.PullTimeout,
		HealthTimeout: cfg.HealthTimeout,
		LockWait:      cfg.LockWait,
		LockMaxHold:   cfg.LockMaxHold,
		Env:           env,
	}, a.logger)
	a.streamer = logstream.New(db, broker, logstream.DefaultPollInterval, a.logger)
	return nil
}

func (a *app) newDispatcher() (dispatch.Dispatcher, error) {
	switch a.cfg.Dispatch {
	case config.DispatchSystemd:
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
		// systemd-run always runs here: the executor binary is local.
		runner := hostexec.NewLocal(hostexec.LocalConfig{
			AllowedPrograms: []string{"systemd-run", "systemctl"},
			CommandTimeout:  a.cfg.CommandTimeout,
		}, a.logger)
		return dispatch.NewSystemd(runner, exe, wd, a.logger), nil
	default:
		command, err := dispatch.ExecutorCommand()
		if err != nil {
			return nil, err
		}
		return dispatch.NewSelf(dispatch.SelfConfig{
			StateDir: a.cfg.StateDir,
			Command:  command,
		}, a.store, a.logger), nil
	}
}

// waitExecutors blocks until the executors this process started as
// children have exited. Executors under an external supervisor are not
// waited for.
func (a *app) waitExecutors() {
	if w, ok := a.dispatcher.(interface{ Wait() }); ok {
		w.Wait()
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}
}
