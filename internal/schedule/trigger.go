// Package schedule starts runs of the default items on a cron schedule.
package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrInvalidCronSpec is returned when the cron specification cannot be parsed.
var ErrInvalidCronSpec = errors.New("invalid cron spec")

// Starter begins a run.
type Starter interface {
	Start(ctx context.Context, items []string) (string, error)
}

// Trigger starts a run of fixed items each time the schedule fires.
type Trigger struct {
	spec     string
	schedule cron.Schedule
	starter  Starter
	items    []string
	logger   *zap.Logger
}

// NewTrigger parses a five-field cron spec or a descriptor such as "@hourly".
func NewTrigger(spec string, starter Starter, items []string, logger *zap.Logger) (*Trigger, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, errors.Join(ErrInvalidCronSpec, err)
	}
	if len(items) == 0 {
		return nil, errors.New("scheduled runs need at least one item")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trigger{
		spec:     spec,
		schedule: schedule,
		starter:  starter,
		items:    append([]string(nil), items...),
		logger:   logger.Named("schedule"),
	}, nil
}

// NextRun returns the next fire time after now.
func (t *Trigger) NextRun() time.Time {
	return t.schedule.Next(time.Now())
}

// Run blocks until ctx is canceled, starting a run at each fire time.
func (t *Trigger) Run(ctx context.Context) error {
	t.logger.Info("cron trigger started", zap.String("spec", t.spec))
	for {
		next := t.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			t.logger.Info("cron trigger shutting down")
			return nil
		case <-timer.C:
			t.fire(ctx)
		}
	}
}

func (t *Trigger) fire(ctx context.Context) {
	runID, err := t.starter.Start(ctx, t.items)
	if err != nil {
		t.logger.Warn("scheduled run failed to start", zap.Error(err))
		return
	}
	t.logger.Info("scheduled run started", zap.String("run_id", runID), zap.Int("items", len(t.items)))
}
