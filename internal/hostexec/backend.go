package hostexec

import (
	"context"
	"time"
	"unicode/utf8"
)

// Backend executes commands and file operations against one target host.
type Backend interface {
	// Execute runs program with args. A non-zero exit code is reported in
	// the Result, not as an error. Errors are reserved for commands that
	// could not run to completion: validation, connectivity, timeout.
	Execute(ctx context.Context, cmd Command) (Result, error)

	// ReadFile returns the contents of path. Fails with ErrNotFound or
	// ErrNotReadable wrapped in a *FileError.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// ListDir returns the entries of the directory at path.
	ListDir(ctx context.Context, path string) ([]DirEntry, error)

	// Exists reports whether path exists. Absence is never an error.
	Exists(ctx context.Context, path string) (bool, error)

	// CreateDirAll creates path and its parents. Only paths below one of
	// the backend's owned roots are accepted.
	CreateDirAll(ctx context.Context, path string) error

	// Target describes where commands run, for logs and the API.
	Target() string
}

// Command describes one program invocation.
type Command struct {
	Program string
	Args    []string
	Stdin   []byte

	// Timeout bounds the command. Zero means the backend default.
	Timeout time.Duration
}

// Result holds the outcome of a command that ran to completion.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration_ns"`
}

// OK reports whether the command exited with status zero.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// DirEntry is a single directory listing entry.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
}

// maxCapture bounds how much stdout or stderr a backend keeps per command.
const maxCapture = 1 << 20

// cappedBuffer keeps the first maxCapture bytes written to it and silently
// discards the rest, so a chatty command cannot exhaust memory.
type cappedBuffer struct {
	buf       []byte
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := maxCapture - len(b.buf)
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	return b.buf
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return string(trimPartialRune(b.buf)) + "\n[output truncated]"
	}
	return string(b.buf)
}

// trimPartialRune drops an incomplete UTF-8 sequence left at the end of p
// by a byte cap.
func trimPartialRune(p []byte) []byte {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if !utf8.FullRune(p[i:]) {
				return p[:i]
			}
			break
		}
	}
	return p
}

// Truncate shortens s to at most n bytes for log payloads, marking the cut.
// The cut never splits a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…[truncated]"
}
