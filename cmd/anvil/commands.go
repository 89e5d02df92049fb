package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/seantiz/anvil/internal/api"
	"github.com/seantiz/anvil/internal/engine"
	"github.com/seantiz/anvil/internal/logstream"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
	"github.com/seantiz/anvil/internal/trigger"
)

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "anvil",
		Usage: "Restart and update container units on a managed host",
		Commands: []*cli.Command{
			newServeCommand(),
			newRunTaskCommand(),
			newTriggerCommand(),
			newTasksCommand(),
			{
				Name:      "stop",
				Usage:     "Ask a running task to stop",
				ArgsUsage: "<task_id>",
				Action:    runStop,
			},
			{
				Name:      "force-stop",
				Usage:     "Kill a task's executor and cancel its units",
				ArgsUsage: "<task_id>",
				Action:    runForceStop,
			},
			{
				Name:      "retry",
				Usage:     "Start a new task with the units and parameters of a finished one",
				ArgsUsage: "<task_id>",
				Action:    runRetry,
			},
			{
				Name:   "units",
				Usage:  "List unit definitions on the managed host",
				Action: runUnits,
			},
		},
	}
}

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the HTTP API and the optional scheduler",
		Action: runServe,
	}
}

func runServe(ctx context.Context, _ *cli.Command) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.Info("anvil: starting",
		"listen_addr", a.cfg.ListenAddr,
		"db_path", a.cfg.DBPath,
		"execution", a.cfg.Execution,
		"dispatch", a.cfg.Dispatch,
		"target", a.backend.Target(),
	)

	if n, err := a.engine.Recover(ctx); err != nil {
		a.logger.Error("recover tasks", "error", err)
	} else if n > 0 {
		a.logger.Warn("recovered vanished tasks", "count", n)
	}

	if a.cfg.Schedule != "" {
		sched, err := trigger.NewScheduler(a.cfg.Schedule, a.cfg.ScheduleUnits,
			model.Params{PullImage: true, SkipUnchanged: true}, a.engine, a.logger)
		if err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		sched.Start()
		a.logger.Info("scheduler started", "schedule", a.cfg.Schedule, "next", sched.Next(time.Now()))
		defer func() { <-sched.Stop().Done() }()
	}

	srv := api.NewServer(api.Config{
		Addr:         a.cfg.ListenAddr,
		UnitDir:      a.cfg.UnitDir,
		UpdateLogDir: a.cfg.UpdateLogDir,
		StreamBudget: a.cfg.StreamBudget,
	}, api.Deps{
		Store:    a.store,
		Engine:   a.engine,
		Streamer: a.streamer,
		Hosts:    a.hosts,
		Digests:  a.verifier,
	}, a.logger)
	return srv.Run(ctx)
}

func newRunTaskCommand() *cli.Command {
	return &cli.Command{
		Name:      "run-task",
		Usage:     "Execute a task's steps (started by the dispatcher)",
		ArgsUsage: "<task_id>",
		Hidden:    true,
		Action:    runTask,
	}
}

// runTask is the executor entry point. SIGTERM cancels ctx, which stops the
// task between steps.
func runTask(ctx context.Context, cmd *cli.Command) error {
	id, err := taskArg(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.Info("executor starting", "task_id", id, "pid", os.Getpid())
	if err := a.engine.Execute(ctx, id); err != nil {
		a.logger.Error("execute task", "task_id", id, "error", err)
		return err
	}
	a.logger.Info("executor finished", "task_id", id)
	return nil
}

func newTriggerCommand() *cli.Command {
	return &cli.Command{
		Name:  "trigger",
		Usage: "Create and dispatch a task",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "kind",
				Usage: "Task kind: manual or maintenance",
				Value: string(model.KindManual),
			},
			&cli.StringSliceFlag{
				Name:     "unit",
				Aliases:  []string{"u"},
				Usage:    "Unit to restart (repeatable)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "image",
				Usage: "Image to pull for every unit (implies --pull)",
			},
			&cli.BoolFlag{
				Name:  "pull",
				Usage: "Pull the unit's image before restarting",
			},
			&cli.BoolFlag{
				Name:  "skip-unchanged",
				Usage: "Skip the restart when the pulled image is already running",
			},
			&cli.StringFlag{
				Name:  "reason",
				Usage: "Free-form reason recorded with the task",
			},
			&cli.BoolFlag{
				Name:    "follow",
				Aliases: []string{"f"},
				Usage:   "Print the task log until the task finishes",
			},
		},
		Action: runTrigger,
	}
}

func runTrigger(ctx context.Context, cmd *cli.Command) error {
	kind := model.Kind(cmd.String("kind"))
	if kind != model.KindManual && kind != model.KindMaintenance {
		return fmt.Errorf("kind must be %s or %s", model.KindManual, model.KindMaintenance)
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	image := cmd.String("image")
	t, err := a.engine.CreateAndDispatch(ctx, engine.Request{
		Kind:    kind,
		Trigger: model.Trigger{Source: "cli", Caller: os.Getenv("USER"), Reason: cmd.String("reason")},
		Units:   cmd.StringSlice("unit"),
		Params: model.Params{
			PullImage:     cmd.Bool("pull") || image != "",
			Image:         image,
			SkipUnchanged: cmd.Bool("skip-unchanged"),
		},
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\n", t.ID, t.Status)

	if cmd.Bool("follow") {
		if err := follow(ctx, a.streamer, t.ID); err != nil {
			return err
		}
		// The executor still removes its pid record after the task settles.
		a.waitExecutors()
	}
	return nil
}

// follow prints log entries as they are appended until the stream ends.
func follow(ctx context.Context, s *logstream.Streamer, id string) error {
	end, err := s.Follow(ctx, id, 0, 0, func(ev logstream.Event) error {
		if ev.Type == logstream.EventLog {
			printEntry(ev.Entry)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if end.Reason != logstream.EndTerminal {
		return fmt.Errorf("log stream ended: %s", end.Reason)
	}
	fmt.Printf("task %s %s\n", id, end.Status)
	return nil
}

func printEntry(e *model.LogEntry) {
	unit := ""
	if e.Unit != "" {
		unit = " [" + e.Unit + "]"
	}
	fmt.Printf("%s %-5s %-11s%s %s\n", e.CreatedAt.Local().Format("15:04:05"), e.Level, e.Action, unit, e.Summary)
}

func newTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect tasks",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List recent tasks",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "Only tasks with this status"},
					&cli.StringFlag{Name: "kind", Usage: "Only tasks of this kind"},
					&cli.StringFlag{Name: "unit", Usage: "Only tasks touching this unit"},
					&cli.IntFlag{Name: "limit", Usage: "Maximum number of tasks", Value: 20},
				},
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show a task with its units and log",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
		},
		DefaultCommand: "list",
	}
}

func runTasksList(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	tasks, total, err := a.store.ListTasks(ctx, store.TaskFilter{
		Status: model.Status(cmd.String("status")),
		Kind:   model.Kind(cmd.String("kind")),
		Unit:   cmd.String("unit"),
		Limit:  cmd.Int("limit"),
	})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tCREATED\tUNITS\tSUMMARY")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			t.Kind,
			t.Status,
			t.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			strings.Join(t.UnitNames(), ","),
			t.Summary,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if total > len(tasks) {
		fmt.Printf("(%d of %d)\n", len(tasks), total)
	}
	return nil
}

func runTasksShow(ctx context.Context, cmd *cli.Command) error {
	id, err := taskArg(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	snap, err := a.streamer.Snapshot(ctx, id)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	printTask(snap.Task)

	if len(snap.Task.Units) > 0 {
		fmt.Println("\nUnits:")
		for _, u := range snap.Task.Units {
			line := fmt.Sprintf("  %-30s %-10s", u.Unit, u.Status)
			if u.Message != "" {
				line += " " + u.Message
			}
			fmt.Println(line)
		}
	}
	if len(snap.Entries) > 0 {
		fmt.Println("\nLog:")
		for i := range snap.Entries {
			printEntry(&snap.Entries[i])
		}
	}
	return nil
}

func printTask(t *model.Task) {
	fmt.Printf("ID:       %s\n", t.ID)
	fmt.Printf("Kind:     %s\n", t.Kind)
	fmt.Printf("Status:   %s\n", t.Status)
	fmt.Printf("Trigger:  %s\n", t.Trigger.Source)
	if t.Trigger.Caller != "" {
		fmt.Printf("Caller:   %s\n", t.Trigger.Caller)
	}
	if t.Trigger.Reason != "" {
		fmt.Printf("Reason:   %s\n", t.Trigger.Reason)
	}
	fmt.Printf("Created:  %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if t.FinishedAt != nil {
		fmt.Printf("Finished: %s\n", t.FinishedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if t.RetryOf != "" {
		fmt.Printf("Retry of: %s\n", t.RetryOf)
	}
	if t.Summary != "" {
		fmt.Printf("Summary:  %s\n", t.Summary)
	}
}

func runStop(ctx context.Context, cmd *cli.Command) error {
	return runControl(ctx, cmd, (*engine.Engine).Stop)
}

func runForceStop(ctx context.Context, cmd *cli.Command) error {
	return runControl(ctx, cmd, (*engine.Engine).ForceStop)
}

func runControl(ctx context.Context, cmd *cli.Command, op func(*engine.Engine, context.Context, string) (*model.Task, error)) error {
	id, err := taskArg(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	t, err := op(a.engine, ctx, id)
	switch {
	case errors.Is(err, engine.ErrAlreadyTerminal):
		fmt.Printf("task %s already finished: %s\n", t.ID, t.Status)
		return nil
	case errors.Is(err, engine.ErrExecutorNotRunning):
		fmt.Printf("%s\t%s\t%v\n", t.ID, t.Status, err)
		return nil
	case err != nil:
		return err
	}
	fmt.Printf("%s\t%s\n", t.ID, t.Status)
	return nil
}

func runRetry(ctx context.Context, cmd *cli.Command) error {
	id, err := taskArg(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	t, err := a.engine.Retry(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\tretry of %s\n", t.ID, t.Status, id)
	return nil
}

func runUnits(ctx context.Context, _ *cli.Command) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	entries, err := a.backend.ListDir(ctx, a.cfg.UnitDir)
	if err != nil {
		return fmt.Errorf("list %s on %s: %w", a.cfg.UnitDir, a.backend.Target(), err)
	}
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		switch path.Ext(e.Name) {
		case ".container", ".pod", ".kube", ".service":
			fmt.Printf("%s.service\t%s\n", strings.TrimSuffix(e.Name, path.Ext(e.Name)), path.Join(a.cfg.UnitDir, e.Name))
		}
	}
	return nil
}

func taskArg(cmd *cli.Command) (string, error) {
	id := cmd.Args().First()
	if id == "" {
		return "", fmt.Errorf("usage: anvil %s <task_id>", cmd.Name)
	}
	return id, nil
}
