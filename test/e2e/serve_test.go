package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	taskTimeout    = 30 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd      *exec.Cmd
	stdout   *lockedBuffer
	url      string
	stateDir string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "anvil-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "anvil")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/anvil")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

// startServer runs `anvil serve` against a temporary unit directory. Only
// `true` is allowed to run, so no host service is ever touched.
func startServer(t *testing.T, binary string) *serverProc {
	t.Helper()
	root := t.TempDir()
	unitDir := writeUnits(t, root)
	return launch(t, binary, root,
		"ANVIL_DB_PATH="+filepath.Join(root, "anvil.db"),
		"ANVIL_STATE_DIR="+filepath.Join(root, "state"),
		"ANVIL_UNIT_DIR="+unitDir,
		"ANVIL_UPDATE_LOG_DIR="+filepath.Join(root, "missing"),
		"ANVIL_ALLOWED_PROGRAMS=true",
	)
}

// startServerFromFiles configures the server through a relative ANVIL_CONFIG
// and a .env file in its working directory instead of the environment.
func startServerFromFiles(t *testing.T, binary string) *serverProc {
	t.Helper()
	root := t.TempDir()
	unitDir := writeUnits(t, root)
	yaml := fmt.Sprintf("unit_dir: %s\nupdate_log_dir: %s\nallowed_programs: [\"true\"]\n",
		unitDir, filepath.Join(root, "missing"))
	if err := os.WriteFile(filepath.Join(root, "anvil.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	dotenv := "ANVIL_STATE_DIR=" + filepath.Join(root, "state") + "\n"
	if err := os.WriteFile(filepath.Join(root, ".env"), []byte(dotenv), 0o644); err != nil {
		t.Fatal(err)
	}
	return launch(t, binary, root, "ANVIL_CONFIG=anvil.yaml")
}

// cleanEnv returns the test's environment without ANVIL_* settings.
func cleanEnv() []string {
	var env []string
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, "ANVIL_") {
			env = append(env, kv)
		}
	}
	return env
}

func writeUnits(t *testing.T, root string) string {
	t.Helper()
	unitDir := filepath.Join(root, "units")
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(unitDir, "web.container"), []byte("[Container]\nImage=docker.io/library/nginx:1.27\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return unitDir
}

func launch(t *testing.T, binary, root string, env ...string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary, "serve")
	cmd.Dir = root
	cmd.Env = append(cleanEnv(),
		"ANVIL_LISTEN_ADDR="+addr,
		"ANVIL_LOG_LEVEL=info",
	)
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:      cmd,
		stdout:   stdout,
		url:      "http://" + addr,
		stateDir: filepath.Join(root, "state"),
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

// waitTerminal polls the task until it settles or taskTimeout passes, and
// returns the last status seen.
func waitTerminal(t *testing.T, sp *serverProc, id string) string {
	t.Helper()
	var status string
	deadline := time.Now().Add(taskTimeout)
	for time.Now().Before(deadline) {
		_, detail := getJSON(t, sp.url+"/v1/tasks/"+id)
		if tk, ok := detail["task"].(map[string]any); ok {
			status, _ = tk["status"].(string)
		}
		if status == "failed" || status == "succeeded" || status == "cancelled" || status == "unknown" {
			return status
		}
		time.Sleep(pollInterval)
	}
	return status
}

func TestServeHealthAndMetrics(t *testing.T) {
	sp := startServer(t, getBinary(t))

	code, body := getJSON(t, sp.url+"/healthz")
	if code != 200 || body["status"] != "ok" || body["target"] != "local" {
		t.Errorf("healthz = %d %v", code, body)
	}

	resp, err := http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	var found bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "anvil_http_requests_total") {
			found = true
		}
	}
	if !found {
		t.Error("metrics output missing anvil_http_requests_total")
	}
}

func TestServeStructuredJSONLogs(t *testing.T) {
	sp := startServer(t, getBinary(t))

	for line := range strings.SplitSeq(strings.TrimSpace(sp.stdout.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Errorf("non-JSON log line %q", line)
			continue
		}
		if entry["msg"] == "anvil: starting" && entry["target"] != "local" {
			t.Errorf("starting line target = %v", entry["target"])
		}
	}
}

func TestServeUnitsAndMissingUpdateLogs(t *testing.T) {
	sp := startServer(t, getBinary(t))

	resp, err := http.Get(sp.url + "/v1/units")
	if err != nil {
		t.Fatalf("GET /v1/units: %v", err)
	}
	defer resp.Body.Close()
	var units []map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&units); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(units) != 1 || units[0]["unit"] != "web.service" {
		t.Errorf("units = %v", units)
	}

	if code, _ := getJSON(t, sp.url+"/v1/update-logs"); code != http.StatusNotFound {
		t.Errorf("update logs status = %d, want 404", code)
	}
}

// A dispatched task runs in a separate executor process. The restart is
// refused by the allow-list, so the task fails with diagnostics and the log
// stream ends exactly once.
func TestServeTaskRunsInExecutor(t *testing.T) {
	sp := startServer(t, getBinary(t))

	resp, err := http.Post(sp.url+"/v1/tasks", "application/json",
		strings.NewReader(`{"units":["web.service"],"caller":"e2e"}`))
	if err != nil {
		t.Fatalf("POST /v1/tasks: %v", err)
	}
	var task map[string]any
	json.NewDecoder(resp.Body).Decode(&task)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create status = %d, body %v", resp.StatusCode, task)
	}
	id, _ := task["id"].(string)

	if status := waitTerminal(t, sp, id); status != "failed" {
		t.Fatalf("status = %q, want failed\nserver output:\n%s", status, sp.stdout.String())
	}

	if _, err := os.Stat(filepath.Join(sp.stateDir, "runs", id+".log")); err != nil {
		t.Errorf("executor log: %v", err)
	}

	stream, err := http.Get(sp.url + "/v1/tasks/" + id + "/logs")
	if err != nil {
		t.Fatalf("GET logs: %v", err)
	}
	defer stream.Body.Close()

	var ends, logs int
	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		switch scanner.Text() {
		case "event: end":
			ends++
		case "event: log":
			logs++
		}
	}
	if ends != 1 || logs == 0 {
		t.Errorf("stream had %d log events and %d end events", logs, ends)
	}

	retry, err := http.Post(sp.url+"/v1/tasks/"+id+"/retry", "application/json", nil)
	if err != nil {
		t.Fatalf("POST retry: %v", err)
	}
	retry.Body.Close()
	if retry.StatusCode != http.StatusAccepted {
		t.Errorf("retry status = %d, want 202", retry.StatusCode)
	}
}

// The executor starts in the state directory, so it only finds the server's
// relative config file and .env settings if they are handed to it.
func TestServeExecutorInheritsFileConfig(t *testing.T) {
	sp := startServerFromFiles(t, getBinary(t))

	resp, err := http.Post(sp.url+"/v1/tasks", "application/json",
		strings.NewReader(`{"units":["web.service"],"caller":"e2e"}`))
	if err != nil {
		t.Fatalf("POST /v1/tasks: %v", err)
	}
	var task map[string]any
	json.NewDecoder(resp.Body).Decode(&task)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create status = %d, body %v", resp.StatusCode, task)
	}
	id, _ := task["id"].(string)

	if status := waitTerminal(t, sp, id); status != "failed" {
		t.Fatalf("status = %q, want failed\nserver output:\n%s", status, sp.stdout.String())
	}

	if _, err := os.Stat(filepath.Join(sp.stateDir, "runs", id+".log")); err != nil {
		t.Errorf("executor log in .env state dir: %v", err)
	}

	_, history := getJSON(t, sp.url+"/v1/tasks/"+id+"/logs/history")
	entries, _ := history["entries"].([]any)
	var refused bool
	for _, e := range entries {
		entry, _ := e.(map[string]any)
		if summary, _ := entry["summary"].(string); strings.Contains(summary, "command not allowed") {
			refused = true
		}
	}
	if !refused {
		t.Errorf("no step refused by the config file allow-list; entries: %v", entries)
	}
}

// With --follow the CLI returns only after its executor child has exited.
func TestTriggerFollowWaitsForExecutor(t *testing.T) {
	binary := getBinary(t)
	root := t.TempDir()
	unitDir := writeUnits(t, root)
	stateDir := filepath.Join(root, "state")

	cmd := exec.Command(binary, "trigger", "--unit", "web.service", "--follow")
	cmd.Dir = root
	cmd.Env = append(cleanEnv(),
		"ANVIL_STATE_DIR="+stateDir,
		"ANVIL_UNIT_DIR="+unitDir,
		"ANVIL_ALLOWED_PROGRAMS=true",
		"ANVIL_LOG_LEVEL=info",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("trigger: %v\n%s", err, out)
	}

	var id string
	for line := range strings.SplitSeq(string(out), "\n") {
		if before, _, ok := strings.Cut(line, "\t"); ok && !strings.HasPrefix(line, "{") {
			id = before
			break
		}
	}
	if id == "" || !strings.Contains(string(out), "task "+id+" failed") {
		t.Errorf("output does not end the task as failed:\n%s", out)
	}

	runLog, err := os.ReadFile(filepath.Join(stateDir, "runs", id+".log"))
	if err != nil {
		t.Fatalf("read executor log: %v", err)
	}
	if !strings.Contains(string(runLog), "executor finished") {
		t.Errorf("executor still running when trigger returned; log:\n%s", runLog)
	}
}
