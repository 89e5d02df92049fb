package hostexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"mvdan.cc/sh/v3/syntax"
)

// BackendRemote is the registry name of the SSH backend.
const BackendRemote = "remote"

// RemoteConfig configures a Remote backend.
type RemoteConfig struct {
	// Addr is host:port of the managed host.
	Addr string

	User string

	// IdentityFile is the private key used for public-key authentication.
	IdentityFile string

	// KnownHostsFile pins the host key. Unknown or mismatched keys fail the
	// connection; nothing is ever prompted.
	KnownHostsFile string

	// AllowedPrograms is the program allow-list. It is mandatory.
	AllowedPrograms []string

	// OwnedRoots are the directories CreateDirAll may create beneath.
	OwnedRoots []string

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

// Remote runs commands on one fixed host over SSH. One client connection is
// shared; every command gets its own session.
type Remote struct {
	cfg     RemoteConfig
	allowed allowList
	logger  *slog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// Compile-time interface satisfaction check.
var _ Backend = (*Remote)(nil)

// NewRemote creates an SSH backend. No connection is made until the first
// command runs.
func NewRemote(cfg RemoteConfig, logger *slog.Logger) (*Remote, error) {
	if cfg.Addr == "" {
		return nil, errors.New("remote backend: address is required")
	}
	if len(cfg.AllowedPrograms) == 0 {
		return nil, errors.New("remote backend: program allow-list is required")
	}
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		cfg.Addr = net.JoinHostPort(cfg.Addr, "22")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = time.Minute
	}
	return &Remote{
		cfg:     cfg,
		allowed: newAllowList(cfg.AllowedPrograms),
		logger:  logger,
	}, nil
}

// Target implements Backend.
func (r *Remote) Target() string {
	if r.cfg.User == "" {
		return r.cfg.Addr
	}
	return r.cfg.User + "@" + r.cfg.Addr
}

// Close drops the cached connection.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

// Execute implements Backend.
func (r *Remote) Execute(ctx context.Context, c Command) (res Result, err error) {
	start := time.Now()
	defer func() { observe(BackendRemote, c.Program, start, res, err) }()

	if err := r.allowed.check(c.Program); err != nil {
		return Result{}, err
	}
	if err := validateArgs(c.Args); err != nil {
		return Result{}, err
	}
	return r.run(ctx, c)
}

// run executes c without the allow-list check. Used directly by the file
// helpers, which only ever run fixed programs.
func (r *Remote) run(ctx context.Context, c Command) (Result, error) {
	line, err := commandLine(c.Program, c.Args)
	if err != nil {
		return Result{}, err
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = r.cfg.CommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := r.session(ctx)
	if err != nil {
		return Result{}, err
	}
	defer session.Close()

	var stdout, stderr cappedBuffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if len(c.Stdin) > 0 {
		session.Stdin = bytes.NewReader(c.Stdin)
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		res := Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
		cmdErr := &CommandError{Target: r.Target(), Program: c.Program, Args: c.Args, Stderr: res.Stderr, Err: ctx.Err()}
		if ctx.Err() == context.DeadlineExceeded {
			cmdErr.Err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return res, cmdErr
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
	if runErr == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(runErr, &missing) {
		return res, &CommandError{Target: r.Target(), Program: c.Program, Args: c.Args, Stderr: res.Stderr, Err: runErr}
	}

	r.drop()
	return res, &ConnectivityError{Target: r.Target(), Err: runErr}
}

// session opens a new session, re-establishing the connection once if the
// cached client turns out to be dead.
func (r *Remote) session(ctx context.Context) (*ssh.Session, error) {
	client, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err == nil {
		return session, nil
	}

	r.logger.Warn("ssh session failed, reconnecting", "target", r.Target(), "error", err)
	r.drop()
	client, err = r.connect(ctx)
	if err != nil {
		return nil, err
	}
	session, err = client.NewSession()
	if err != nil {
		r.drop()
		return nil, &ConnectivityError{Target: r.Target(), Err: err}
	}
	return session, nil
}

func (r *Remote) connect(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}

	cfg, err := r.clientConfig()
	if err != nil {
		return nil, &ConnectivityError{Target: r.Target(), Err: err}
	}

	dialer := net.Dialer{Timeout: r.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.cfg.Addr)
	if err != nil {
		return nil, &ConnectivityError{Target: r.Target(), Err: err}
	}

	// The handshake gets the same budget as the dial.
	_ = conn.SetDeadline(time.Now().Add(r.cfg.ConnectTimeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, r.cfg.Addr, cfg)
	if err != nil {
		conn.Close()
		return nil, &ConnectivityError{Target: r.Target(), Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	r.client = ssh.NewClient(c, chans, reqs)
	r.logger.Info("ssh connected", "target", r.Target())
	return r.client, nil
}

func (r *Remote) clientConfig() (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(r.cfg.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse identity %s: %w", r.cfg.IdentityFile, err)
	}
	hostKeys, err := knownhosts.New(r.cfg.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return &ssh.ClientConfig{
		User:            r.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         r.cfg.ConnectTimeout,
	}, nil
}

func (r *Remote) drop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
}

// commandLine quotes argv for the remote user's shell.
func commandLine(program string, args []string) (string, error) {
	words := make([]string, 0, len(args)+1)
	for _, w := range append([]string{program}, args...) {
		q, err := syntax.Quote(w, syntax.LangPOSIX)
		if err != nil {
			return "", &ValidationError{Field: "argument", Value: w, Rule: err.Error()}
		}
		words = append(words, q)
	}
	return strings.Join(words, " "), nil
}

// ReadFile implements Backend.
func (r *Remote) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	res, err := r.run(ctx, Command{Program: "cat", Args: []string{path}})
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, &FileError{Op: "read", Path: path, Err: r.classify(ctx, path, res)}
	}
	return []byte(res.Stdout), nil
}

// ListDir implements Backend.
func (r *Remote) ListDir(ctx context.Context, path string) ([]DirEntry, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	res, err := r.run(ctx, Command{Program: "ls", Args: []string{"-1Ap", path}})
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, &FileError{Op: "list", Path: path, Err: r.classify(ctx, path, res)}
	}
	return parseListing(res.Stdout), nil
}

// Exists implements Backend.
func (r *Remote) Exists(ctx context.Context, path string) (bool, error) {
	if err := ValidatePath(path); err != nil {
		return false, err
	}
	res, err := r.run(ctx, Command{Program: "test", Args: []string{"-e", path}})
	if err != nil {
		return false, err
	}
	switch res.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, &FileError{Op: "stat", Path: path, Err: fmt.Errorf("test exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))}
	}
}

// CreateDirAll implements Backend.
func (r *Remote) CreateDirAll(ctx context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if !underRoot(path, r.cfg.OwnedRoots) {
		return &ValidationError{Field: "path", Value: path, Rule: "not below a directory owned by anvil"}
	}
	res, err := r.run(ctx, Command{Program: "mkdir", Args: []string{"-p", path}})
	if err != nil {
		return err
	}
	if !res.OK() {
		return &FileError{Op: "mkdir", Path: path, Err: errors.New(strings.TrimSpace(res.Stderr))}
	}
	return nil
}

// classify decides between ErrNotFound and ErrNotReadable after a failed
// read or listing.
func (r *Remote) classify(ctx context.Context, path string, failed Result) error {
	detail := strings.TrimSpace(failed.Stderr)
	exists, err := r.Exists(ctx, path)
	if err == nil && !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, detail)
	}
	return fmt.Errorf("%w: %s", ErrNotReadable, detail)
}

// parseListing parses `ls -1Ap` output. Directories carry a trailing slash.
func parseListing(out string) []DirEntry {
	var entries []DirEntry
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if name, ok := strings.CutSuffix(line, "/"); ok {
			entries = append(entries, DirEntry{Name: name, IsDir: true})
			continue
		}
		entries = append(entries, DirEntry{Name: line})
	}
	return entries
}
