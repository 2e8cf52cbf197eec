// Package health runs read-only checks over the shared store. It reports,
// it never repairs; stuck tasks and backlogs are surfaced for an operator.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sanad-trader/internal/database"
)

// Check severities.
const (
	StatusOK   = "OK"
	StatusWarn = "WARN"
	StatusCrit = "CRIT"
)

// Thresholds for the task-queue checks.
type Config struct {
	StuckRunningAfter time.Duration `json:"stuck_running_after"`
	PendingBacklogMax int           `json:"pending_backlog_max"`
	FailedTasksMax    int           `json:"failed_tasks_max"`
}

// DefaultConfig returns reference thresholds
func DefaultConfig() Config {
	return Config{
		StuckRunningAfter: 30 * time.Minute,
		PendingBacklogMax: 50,
		FailedTasksMax:    0,
	}
}

// CheckResult is one named probe outcome.
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Report aggregates all checks. Healthy means no CRIT results.
type Report struct {
	Checks    []CheckResult `json:"checks"`
	Healthy   bool          `json:"healthy"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Checker runs the probe set against the store.
type Checker struct {
	repo *database.Repository
	cfg  Config
	log  zerolog.Logger
}

// NewChecker creates a checker
func NewChecker(repo *database.Repository, cfg Config, log zerolog.Logger) *Checker {
	return &Checker{
		repo: repo,
		cfg:  cfg,
		log:  log.With().Str("component", "health").Logger(),
	}
}

// Run executes every check and returns the aggregate report.
func (c *Checker) Run(ctx context.Context, now time.Time) (*Report, error) {
	report := &Report{Healthy: true, CheckedAt: now}

	add := func(res CheckResult) {
		report.Checks = append(report.Checks, res)
		if res.Status == StatusCrit {
			report.Healthy = false
		}
		c.log.Info().Str("check", res.Name).Str("status", res.Status).Msg(res.Message)
	}

	stuck, err := c.repo.GetStuckRunningTasks(ctx, now, c.cfg.StuckRunningAfter)
	if err != nil {
		return nil, fmt.Errorf("stuck task query: %w", err)
	}
	if len(stuck) > 0 {
		// RUNNING tasks are never reclaimed automatically; a crashed worker
		// holds its claim until an operator resets the row.
		add(CheckResult{
			Name:    "stuck_running_tasks",
			Status:  StatusCrit,
			Message: fmt.Sprintf("%d tasks RUNNING longer than %s (oldest: %s)", len(stuck), c.cfg.StuckRunningAfter, stuck[0].TaskID),
		})
	} else {
		add(CheckResult{Name: "stuck_running_tasks", Status: StatusOK, Message: "no stuck RUNNING tasks"})
	}

	counts, err := c.repo.CountTasksByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}

	if pending := counts[database.TaskStatusPending]; pending > c.cfg.PendingBacklogMax {
		add(CheckResult{
			Name:    "pending_backlog",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d PENDING tasks exceeds threshold %d", pending, c.cfg.PendingBacklogMax),
		})
	} else {
		add(CheckResult{Name: "pending_backlog", Status: StatusOK, Message: fmt.Sprintf("%d PENDING tasks", counts[database.TaskStatusPending])})
	}

	if failed := counts[database.TaskStatusFailed]; failed > c.cfg.FailedTasksMax {
		add(CheckResult{
			Name:    "failed_tasks",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d FAILED tasks awaiting operator review", failed),
		})
	} else {
		add(CheckResult{Name: "failed_tasks", Status: StatusOK, Message: "no FAILED tasks"})
	}

	kill, err := c.repo.GetFlag(ctx, database.KillSwitchFlag)
	if err != nil {
		return nil, fmt.Errorf("kill switch flag: %w", err)
	}
	if kill == "1" || kill == "true" {
		add(CheckResult{Name: "kill_switch", Status: StatusWarn, Message: "kill switch engaged, entries halted"})
	} else {
		add(CheckResult{Name: "kill_switch", Status: StatusOK, Message: "kill switch clear"})
	}

	circuits, err := c.repo.GetOpenCircuits(ctx)
	if err != nil {
		return nil, fmt.Errorf("open circuits: %w", err)
	}
	if len(circuits) > 0 {
		add(CheckResult{
			Name:    "open_circuits",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d circuits open: %v", len(circuits), circuits),
		})
	} else {
		add(CheckResult{Name: "open_circuits", Status: StatusOK, Message: "all circuits closed"})
	}

	return report, nil
}
