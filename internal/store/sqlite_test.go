package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestTask(units ...string) *model.Task {
	if len(units) == 0 {
		units = []string{"web.service"}
	}
	now := time.Now().UTC().Truncate(time.Second)
	t := &model.Task{
		ID:        model.NewID(),
		Kind:      model.KindManual,
		Trigger:   model.Trigger{Source: "api", Caller: "ops", Reason: "test"},
		Params:    model.Params{PullImage: true, Image: "docker.io/library/nginx:1.27"},
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, u := range units {
		t.Units = append(t.Units, &model.TaskUnit{
			ID:        model.NewID(),
			TaskID:    t.ID,
			Unit:      u,
			Status:    model.StatusPending,
			UpdatedAt: now,
		})
	}
	return t
}

func mustCreate(t *testing.T, s *SQLiteStore, task *model.Task) {
	t.Helper()
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask("web.service", "db.service")
	mustCreate(t, s, task)

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.Trigger != task.Trigger {
		t.Errorf("Trigger = %+v, want %+v", got.Trigger, task.Trigger)
	}
	if got.Params != task.Params {
		t.Errorf("Params = %+v, want %+v", got.Params, task.Params)
	}
	if names := got.UnitNames(); len(names) != 2 || names[0] != "web.service" || names[1] != "db.service" {
		t.Errorf("UnitNames = %v, want [web.service db.service]", names)
	}
	if got.RetryOf != "" {
		t.Errorf("RetryOf = %q, want empty", got.RetryOf)
	}
}

func TestCreateTaskWithoutUnits(t *testing.T) {
	s := newTestStore(t)
	task := makeTestTask()
	task.Units = nil

	if err := s.CreateTask(context.Background(), task); !errors.Is(err, ErrNoUnits) {
		t.Fatalf("CreateTask error = %v, want ErrNoUnits", err)
	}
}

func TestCreateTaskIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask("a.service", "b.service")
	task.Units[1].ID = task.Units[0].ID // duplicate primary key fails the second insert

	if err := s.CreateTask(ctx, task); err == nil {
		t.Fatal("expected CreateTask to fail")
	}
	if _, err := s.GetTask(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask after failed create = %v, want ErrNotFound", err)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTask(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask error = %v, want ErrNotFound", err)
	}
}

func TestListTasksFilterAndPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		task := makeTestTask(fmt.Sprintf("svc%d.service", i%2))
		if i == 4 {
			task.Kind = model.KindWebhook
		}
		mustCreate(t, s, task)
		ids = append(ids, task.ID)
	}

	tasks, total, err := s.ListTasks(ctx, TaskFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 5 || len(tasks) != 2 {
		t.Fatalf("got %d tasks, total %d; want 2, 5", len(tasks), total)
	}
	if tasks[0].ID != ids[4] {
		t.Errorf("first task = %s, want newest %s", tasks[0].ID, ids[4])
	}

	tasks, total, err = s.ListTasks(ctx, TaskFilter{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("ListTasks offset: %v", err)
	}
	if total != 5 || len(tasks) != 1 || tasks[0].ID != ids[0] {
		t.Errorf("offset page = %d tasks (total %d), want oldest only", len(tasks), total)
	}

	_, total, err = s.ListTasks(ctx, TaskFilter{Unit: "svc1.service"})
	if err != nil {
		t.Fatalf("ListTasks unit: %v", err)
	}
	if total != 2 {
		t.Errorf("unit filter total = %d, want 2", total)
	}

	tasks, total, err = s.ListTasks(ctx, TaskFilter{Kind: model.KindWebhook})
	if err != nil {
		t.Fatalf("ListTasks kind: %v", err)
	}
	if total != 1 || tasks[0].ID != ids[4] {
		t.Errorf("kind filter = %d tasks, want the webhook task", total)
	}
	if len(tasks[0].Units) != 1 {
		t.Errorf("listed task has %d units, want 1", len(tasks[0].Units))
	}
}

func TestListTasksEmpty(t *testing.T) {
	s := newTestStore(t)

	tasks, total, err := s.ListTasks(context.Background(), TaskFilter{Status: model.StatusRunning})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 0 || len(tasks) != 0 {
		t.Errorf("got %d tasks, total %d; want none", len(tasks), total)
	}
}

func TestTransitionTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	mustCreate(t, s, task)

	if err := s.TransitionTask(ctx, task.ID, model.StatusRunning, ""); err != nil {
		t.Fatalf("pending->running: %v", err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != model.StatusRunning || got.StartedAt == nil {
		t.Fatalf("after running: status %q, started_at %v", got.Status, got.StartedAt)
	}

	if err := s.TransitionTask(ctx, task.ID, model.StatusSucceeded, "1 unit updated"); err != nil {
		t.Fatalf("running->succeeded: %v", err)
	}
	got, _ = s.GetTask(ctx, task.ID)
	if got.Status != model.StatusSucceeded {
		t.Errorf("Status = %q, want succeeded", got.Status)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil for terminal task")
	}
	if got.Summary != "1 unit updated" {
		t.Errorf("Summary = %q", got.Summary)
	}
}

func TestTransitionTaskNeverLeavesTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, terminal := range model.TerminalStatuses() {
		t.Run(string(terminal), func(t *testing.T) {
			task := makeTestTask()
			mustCreate(t, s, task)
			if err := s.TransitionTask(ctx, task.ID, model.StatusRunning, ""); err != nil {
				t.Fatal(err)
			}
			if err := s.TransitionTask(ctx, task.ID, terminal, "done"); err != nil {
				t.Fatal(err)
			}

			for _, to := range append(model.TerminalStatuses(), model.StatusRunning, model.StatusPending) {
				err := s.TransitionTask(ctx, task.ID, to, "overwrite")
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("%s -> %s: err = %v, want ErrInvalidTransition", terminal, to, err)
				}
			}
			got, _ := s.GetTask(ctx, task.ID)
			if got.Status != terminal || got.Summary != "done" {
				t.Errorf("task changed to %q / %q", got.Status, got.Summary)
			}
		})
	}
}

func TestTransitionTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.TransitionTask(context.Background(), "nonexistent", model.StatusRunning, "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestTransitionTaskConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	mustCreate(t, s, task)
	if err := s.TransitionTask(ctx, task.ID, model.StatusRunning, ""); err != nil {
		t.Fatal(err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.TransitionTask(ctx, task.ID, model.StatusCancelled, "stopped"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("%d callers won the cancel, want exactly 1", winners)
	}
}

func TestSummaryGrowsAfterTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	mustCreate(t, s, task)
	if err := s.TransitionTask(ctx, task.ID, model.StatusFailed, "dispatch failed"); err != nil {
		t.Fatal(err)
	}

	if err := s.SetTaskSummary(ctx, task.ID, "dispatch failed; see log"); err != nil {
		t.Fatalf("SetTaskSummary: %v", err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != model.StatusFailed || got.Summary != "dispatch failed; see log" {
		t.Errorf("got %q / %q", got.Status, got.Summary)
	}
}

func TestMarkNoticeLoggedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	mustCreate(t, s, task)

	first, err := s.MarkNoticeLogged(ctx, task.ID)
	if err != nil || !first {
		t.Fatalf("first MarkNoticeLogged = %v, %v; want true", first, err)
	}
	second, err := s.MarkNoticeLogged(ctx, task.ID)
	if err != nil || second {
		t.Fatalf("second MarkNoticeLogged = %v, %v; want false", second, err)
	}
	if _, err := s.MarkNoticeLogged(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing task: err = %v, want ErrNotFound", err)
	}
}

func TestUpdateUnit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	mustCreate(t, s, task)

	u := task.Units[0]
	now := time.Now().UTC()
	u.Status = model.StatusRunning
	u.Phase = model.PhasePull
	u.StartedAt = &now
	if err := s.UpdateUnit(ctx, u); err != nil {
		t.Fatalf("UpdateUnit running: %v", err)
	}

	u.Status = model.StatusSucceeded
	u.Phase = ""
	u.Message = "healthy"
	u.FinishedAt = &now
	if err := s.UpdateUnit(ctx, u); err != nil {
		t.Fatalf("UpdateUnit succeeded: %v", err)
	}

	u.Status = model.StatusFailed
	if err := s.UpdateUnit(ctx, u); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("update terminal unit: err = %v, want ErrInvalidTransition", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Units[0].Status != model.StatusSucceeded || got.Units[0].Message != "healthy" {
		t.Errorf("unit = %+v", got.Units[0])
	}
}

func TestCancelOpenUnits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask("a.service", "b.service")
	mustCreate(t, s, task)

	task.Units[0].Status = model.StatusSucceeded
	if err := s.UpdateUnit(ctx, task.Units[0]); err != nil {
		t.Fatal(err)
	}

	n, err := s.CancelOpenUnits(ctx, task.ID, "force stopped")
	if err != nil {
		t.Fatalf("CancelOpenUnits: %v", err)
	}
	if n != 1 {
		t.Errorf("cancelled %d units, want 1", n)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.Units[0].Status != model.StatusSucceeded || got.Units[1].Status != model.StatusCancelled {
		t.Errorf("units = %s, %s", got.Units[0].Status, got.Units[1].Status)
	}
}

func TestAppendAndGetLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	mustCreate(t, s, task)

	var last int64
	for i := 0; i < 5; i++ {
		e := &model.LogEntry{
			TaskID:  task.ID,
			Level:   model.LevelInfo,
			Action:  "step",
			Status:  model.StatusRunning,
			Summary: fmt.Sprintf("entry %d", i),
			Payload: json.RawMessage(`{"n":1}`),
		}
		if err := s.AppendLog(ctx, e); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
		if e.ID <= last {
			t.Fatalf("entry id %d not greater than previous %d", e.ID, last)
		}
		last = e.ID
	}

	all, err := s.GetLogs(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d entries, want 5", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Errorf("entries out of order at %d", i)
		}
	}
	if string(all[0].Payload) != `{"n":1}` {
		t.Errorf("Payload = %s", all[0].Payload)
	}

	tail, err := s.GetLogs(ctx, task.ID, all[2].ID)
	if err != nil {
		t.Fatalf("GetLogs after: %v", err)
	}
	if len(tail) != 2 || tail[0].Summary != "entry 3" {
		t.Errorf("tail = %+v", tail)
	}
}

func TestGetLogsIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b := makeTestTask(), makeTestTask()
	mustCreate(t, s, a)
	mustCreate(t, s, b)

	for _, id := range []string{a.ID, b.ID, a.ID} {
		if err := s.AppendLog(ctx, &model.LogEntry{TaskID: id, Level: model.LevelInfo, Action: "x", Status: model.StatusRunning, Summary: "x"}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetLogs(ctx, b.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("task b has %d entries, want 1", len(got))
	}
	empty, err := s.GetLogs(ctx, "nonexistent", 0)
	if err != nil {
		t.Fatal(err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("GetLogs for unknown task = %v, want empty slice", empty)
	}
}

func TestAppendWarnSetsHasWarnings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	mustCreate(t, s, task)

	if err := s.AppendLog(ctx, &model.LogEntry{TaskID: task.ID, Level: model.LevelWarn, Action: "diagnostic", Status: model.StatusRunning, Summary: "status dump"}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if !got.HasWarnings {
		t.Error("HasWarnings = false after warn entry")
	}
}

func TestPidRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetPidRecord(ctx, "task"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetPidRecord missing = %v, want ErrNotFound", err)
	}

	rec := &model.PidRecord{TaskID: "task", PID: 4242, PGID: 4242, Hostname: "host", Strategy: "self", StartedAt: time.Now().UTC().Truncate(time.Second)}
	if err := s.PutPidRecord(ctx, rec); err != nil {
		t.Fatalf("PutPidRecord: %v", err)
	}
	got, err := s.GetPidRecord(ctx, "task")
	if err != nil {
		t.Fatalf("GetPidRecord: %v", err)
	}
	if got.PID != 4242 || got.Strategy != "self" || !got.StartedAt.Equal(rec.StartedAt) {
		t.Errorf("record = %+v", got)
	}

	if err := s.DeletePidRecord(ctx, "task"); err != nil {
		t.Fatalf("DeletePidRecord: %v", err)
	}
	if err := s.DeletePidRecord(ctx, "task"); err != nil {
		t.Fatalf("second DeletePidRecord: %v", err)
	}
	if _, err := s.GetPidRecord(ctx, "task"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete = %v, want ErrNotFound", err)
	}
}

func TestImageLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	bucket := "docker.io/library/nginx"

	ok, err := s.AcquireLock(ctx, bucket, "task-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v; want true", ok, err)
	}
	ok, err = s.AcquireLock(ctx, bucket, "task-b", time.Minute)
	if err != nil || ok {
		t.Fatalf("contended acquire = %v, %v; want false", ok, err)
	}
	ok, _ = s.AcquireLock(ctx, bucket, "task-a", time.Minute)
	if !ok {
		t.Error("holder could not re-acquire its own lock")
	}

	if err := s.ReleaseLock(ctx, bucket, "task-b"); err != nil {
		t.Fatal(err)
	}
	if lock, err := s.GetLock(ctx, bucket); err != nil || lock.Holder != "task-a" {
		t.Fatalf("release by non-holder changed lock: %+v, %v", lock, err)
	}

	if err := s.ReleaseLock(ctx, bucket, "task-a"); err != nil {
		t.Fatal(err)
	}
	ok, _ = s.AcquireLock(ctx, bucket, "task-b", time.Minute)
	if !ok {
		t.Error("lock not available after release")
	}
}

func TestImageLockReapedAfterMaxHold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if ok, _ := s.AcquireLock(ctx, "bucket", "crashed", time.Minute); !ok {
		t.Fatal("initial acquire failed")
	}
	time.Sleep(20 * time.Millisecond)

	ok, err := s.AcquireLock(ctx, "bucket", "waiter", 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("acquire after max hold = %v, %v; want true", ok, err)
	}
}

func TestReleaseLocksHeldBy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AcquireLock(ctx, "one", "task", time.Minute)
	s.AcquireLock(ctx, "two", "task", time.Minute)
	s.AcquireLock(ctx, "three", "other", time.Minute)

	n, err := s.ReleaseLocksHeldBy(ctx, "task")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("released %d, want 2", n)
	}
	if _, err := s.GetLock(ctx, "three"); err != nil {
		t.Errorf("unrelated lock released: %v", err)
	}
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok := makeTestTask()
	mustCreate(t, s, ok)
	s.TransitionTask(ctx, ok.ID, model.StatusRunning, "")
	s.TransitionTask(ctx, ok.ID, model.StatusSucceeded, "")

	warn := makeTestTask()
	warn.Kind = model.KindScheduler
	mustCreate(t, s, warn)
	s.AppendLog(ctx, &model.LogEntry{TaskID: warn.ID, Level: model.LevelError, Action: "x", Status: model.StatusRunning, Summary: "x"})

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("Total = %d, want 2", stats.Total)
	}
	if stats.CountByStatus["succeeded"] != 1 || stats.CountByStatus["pending"] != 1 {
		t.Errorf("CountByStatus = %v", stats.CountByStatus)
	}
	if stats.CountByKind["scheduler"] != 1 || stats.CountByKind["manual"] != 1 {
		t.Errorf("CountByKind = %v", stats.CountByKind)
	}
	if stats.WithWarnings != 1 {
		t.Errorf("WithWarnings = %d, want 1", stats.WithWarnings)
	}
}

func TestGetStatsEmpty(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Total != 0 || stats.AvgDurationMS != 0 || len(stats.CountByStatus) != 0 {
		t.Errorf("stats = %+v, want zero", stats)
	}
}

func TestSharedFileAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anvil.db")
	a, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx := context.Background()
	task := makeTestTask()
	mustCreate(t, a, task)
	if err := b.PutPidRecord(ctx, &model.PidRecord{TaskID: task.ID, PID: 1, PGID: 1, Hostname: "h", Strategy: "self", StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.GetPidRecord(ctx, task.ID); err != nil {
		t.Errorf("record written by one handle not visible to the other: %v", err)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anvil.db")
	for i := 0; i < 2; i++ {
		s, err := NewSQLiteStore(path)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		s.Close()
	}
}
