package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli"

	"rockmundo/internal/app"
	"rockmundo/internal/storage"
	"rockmundo/internal/task/scheduler"
	logx "rockmundo/pkg/logx"
)

const stopTimeout = 15 * time.Second

var (
	cfgPath string

	globalFlags = []cli.Flag{
		cli.StringFlag{
			Name:        "config, c",
			Usage:       "path to config yaml/json (empty runs on defaults)",
			EnvVar:      "ROCKMUNDO_CONFIG",
			Value:       "./rockmundo.yaml",
			Destination: &cfgPath,
		},
	}

	scheduleFlags = []cli.Flag{
		cli.StringFlag{Name: "event, e", Usage: "handler name, e.g. fan_decay"},
		cli.StringFlag{Name: "run-at, r", Usage: "ISO-8601 time of the first run"},
		cli.StringFlag{Name: "params, p", Usage: "handler params as a JSON object", Value: "{}"},
		cli.BoolFlag{Name: "recurring", Usage: "repeat every --interval-days"},
		cli.IntFlag{Name: "interval-days, i", Usage: "days between runs of a recurring task"},
	}

	historyFlags = []cli.Flag{
		cli.Int64Flag{Name: "task, t", Usage: "only runs of this task id (0 means all)"},
		cli.IntFlag{Name: "limit, n", Usage: "maximum number of runs", Value: 20},
	}
)

func newCLI() *cli.App {
	c := cli.NewApp()
	c.Name = "rockmundo"
	c.Usage = "task scheduler and recurring game events"
	c.UsageText = "rockmundo [--config path] <command> [arguments...]"
	c.Version = version
	c.Flags = globalFlags
	c.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the trigger and config watcher until signalled",
			Action: serve,
		},
		{
			Name:      "schedule",
			Aliases:   []string{"s"},
			Usage:     "persist a new task",
			UsageText: "rockmundo schedule --event fan_decay --run-at 2024-01-01T00:00:00Z [--recurring --interval-days 1]",
			Flags:     scheduleFlags,
			Action:    schedule,
		},
		{
			Name:    "list",
			Aliases: []string{"l"},
			Usage:   "list pending tasks",
			Action:  list,
		},
		{
			Name:      "cancel",
			Usage:     "delete a task by id",
			UsageText: "rockmundo cancel <task-id>",
			Action:    cancelTask,
		},
		{
			Name:   "run-due",
			Usage:  "run every due task once and exit",
			Action: runDue,
		},
		{
			Name:   "history",
			Usage:  "show recent task runs",
			Flags:  historyFlags,
			Action: history,
		},
		{
			Name:   "seed",
			Usage:  "create the default recurring game tasks that are missing",
			Action: seed,
		},
	}
	return c
}

// openApp wires the app for a one-shot command. Logs go to stderr so
// stdout only carries the JSON result.
func openApp() (*app.App, error) {
	return app.New(cfgPath, app.WithConsoleOut(os.Stderr), app.WithConfigWatch(false))
}

func withApp(fn func(ctx context.Context, a *app.App) (any, error)) error {
	a, err := openApp()
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	out, err := fn(ctx, a)
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidTask) {
			return cli.NewExitError(err.Error(), 2)
		}
		return cli.NewExitError(err.Error(), 1)
	}
	return printJSON(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func schedule(c *cli.Context) error {
	var params map[string]any
	if raw := strings.TrimSpace(c.String("params")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return cli.NewExitError(fmt.Sprintf("--params: %v", err), 2)
		}
	}
	req := scheduler.ScheduleRequest{
		EventType:    c.String("event"),
		Params:       params,
		RunAt:        c.String("run-at"),
		Recurring:    c.Bool("recurring"),
		IntervalDays: c.Int("interval-days"),
	}
	return withApp(func(ctx context.Context, a *app.App) (any, error) {
		return a.Scheduler().ScheduleTask(ctx, req)
	})
}

func list(c *cli.Context) error {
	return withApp(func(ctx context.Context, a *app.App) (any, error) {
		return a.Scheduler().GetScheduledTasks(ctx)
	})
}

func cancelTask(c *cli.Context) error {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Args().First()), 10, 64)
	if err != nil || id <= 0 {
		return cli.NewExitError("cancel: a positive task id is required", 2)
	}
	return withApp(func(ctx context.Context, a *app.App) (any, error) {
		return a.Scheduler().DeleteTask(ctx, id)
	})
}

func runDue(c *cli.Context) error {
	return withApp(func(ctx context.Context, a *app.App) (any, error) {
		resp, err := a.RunDue(ctx)
		if err != nil && resp.Executed > 0 {
			// Tasks already dispatched are reported before the failure.
			_ = printJSON(resp)
		}
		return resp, err
	})
}

func history(c *cli.Context) error {
	return withApp(func(ctx context.Context, a *app.App) (any, error) {
		runs, err := a.Store().ListRuns(ctx, c.Int64("task"), c.Int("limit"))
		if err == nil && runs == nil {
			runs = []storage.RunRecord{}
		}
		return runs, err
	})
}

func seed(c *cli.Context) error {
	return withApp(func(ctx context.Context, a *app.App) (any, error) {
		ids, err := a.Seed(ctx)
		if err != nil {
			return nil, err
		}
		if ids == nil {
			ids = []int64{}
		}
		return map[string]any{"status": "ok", "created": ids}, nil
	})
}

func serve(c *cli.Context) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	log := a.Logger()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := a.Start(context.Background()); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return cli.NewExitError(err.Error(), 1)
	}
	// Not running under systemd is fine; SdNotify reports false, nil.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		log.Warn("stop returned error", logx.Err(err))
		return cli.NewExitError(err.Error(), 1)
	}
	return nil
}
