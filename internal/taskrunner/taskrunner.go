// Package taskrunner executes named external commands on fixed intervals,
// capturing their output to per-task append-only logs and recording the
// outcome of every run. It is deployed alongside the relay but is fully
// independent of it.
package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/alifeinbinary/penny/internal/metrics"
)

// Duration wraps time.Duration to accept "30s"/"5m" strings in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Task is one scheduled command.
type Task struct {
	Name     string   `yaml:"name"`
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
	LogFile  string   `yaml:"log_file"`
}

type taskFile struct {
	Tasks []Task `yaml:"tasks"`
}

// LoadTasks reads task definitions from a YAML file and applies defaults:
// 1 minute timeout and ./data/tasks/<name>.log when unset.
func LoadTasks(path string) ([]Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file taskFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(file.Tasks) == 0 {
		return nil, fmt.Errorf("%s defines no tasks", path)
	}

	seen := make(map[string]bool)
	for i := range file.Tasks {
		t := &file.Tasks[i]
		if t.Name == "" {
			return nil, fmt.Errorf("task %d has no name", i)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("duplicate task name %q", t.Name)
		}
		seen[t.Name] = true
		if t.Command == "" {
			return nil, fmt.Errorf("task %q has no command", t.Name)
		}
		if t.Interval <= 0 {
			return nil, fmt.Errorf("task %q has no interval", t.Name)
		}
		if t.Timeout <= 0 {
			t.Timeout = Duration(time.Minute)
		}
		if t.LogFile == "" {
			t.LogFile = filepath.Join("./data/tasks", t.Name+".log")
		}
	}

	return file.Tasks, nil
}

// Runner checks each task's due time on a fixed tick and executes due
// tasks. A task failure is recorded and never stops the loop.
type Runner struct {
	tasks   []Task
	logger  zerolog.Logger
	tick    time.Duration
	lastRun map[string]time.Time
}

// NewRunner creates a Runner over the given tasks.
func NewRunner(tasks []Task, logger zerolog.Logger) *Runner {
	return &Runner{
		tasks:   tasks,
		logger:  logger.With().Str("component", "taskrunner").Logger(),
		tick:    time.Second,
		lastRun: make(map[string]time.Time),
	}
}

// Run executes due tasks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().Int("tasks", len(r.tasks)).Msg("task runner started")

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("task runner stopped")
			return ctx.Err()
		case now := <-ticker.C:
			for _, task := range r.tasks {
				if now.Sub(r.lastRun[task.Name]) >= time.Duration(task.Interval) {
					r.lastRun[task.Name] = now
					r.runTask(ctx, task)
				}
			}
		}
	}
}

// runTask executes one task with a bounded timeout and appends the result
// to the task's log file.
func (r *Runner) runTask(ctx context.Context, task Task) {
	runID := ulid.Make().String()
	logger := r.logger.With().Str("task", task.Name).Str("run_id", runID).Logger()

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(task.Timeout))
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, task.Command, task.Args...)
	output, err := cmd.CombinedOutput()
	duration := time.Since(start)

	outcome := "ok"
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	metrics.TaskRuns.WithLabelValues(task.Name, outcome).Inc()

	if appendErr := r.appendLog(task, runID, start, duration, outcome, output, err); appendErr != nil {
		logger.Error().Err(appendErr).Msg("failed to append task log")
	}

	event := logger.Info()
	if outcome != "ok" {
		event = logger.Error().Err(err)
	}
	event.
		Str("outcome", outcome).
		Dur("duration", duration).
		Int("output_bytes", len(output)).
		Msg("task run finished")
}

// appendLog writes one run record to the task's append-only log file.
func (r *Runner) appendLog(task Task, runID string, start time.Time, duration time.Duration, outcome string, output []byte, runErr error) error {
	if err := os.MkdirAll(filepath.Dir(task.LogFile), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(task.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	header := fmt.Sprintf("=== run %s at %s outcome=%s duration=%s",
		runID, start.UTC().Format(time.RFC3339), outcome, duration.Round(time.Millisecond))
	if runErr != nil {
		header += fmt.Sprintf(" error=%q", runErr.Error())
	}
	if _, err := fmt.Fprintln(f, header); err != nil {
		return err
	}
	if len(output) > 0 {
		if _, err := f.Write(output); err != nil {
			return err
		}
		if output[len(output)-1] != '\n' {
			fmt.Fprintln(f)
		}
	}
	return nil
}
