package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
)

// Job is an extra periodic task run by the pump alongside RunDue.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Pump drives an EventScheduler's RunDue on a fixed interval.
type Pump struct {
	cron gocron.Scheduler
	log  logging.Logger
}

// NewPump registers the RunDue job plus any extra jobs. Call Start to begin.
func NewPump(events EventScheduler, interval time.Duration, log logging.Logger, jobs ...Job) (*Pump, error) {
	if events == nil {
		return nil, fmt.Errorf("scheduler: event scheduler is required")
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if log == nil {
		log = logging.Noop()
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create cron: %w", err)
	}

	if _, err := cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(events.RunDue),
		gocron.WithName("run-due"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		_ = cron.Shutdown()
		return nil, fmt.Errorf("scheduler: register run-due: %w", err)
	}

	for _, job := range jobs {
		if job.Run == nil || job.Interval <= 0 {
			continue
		}
		run := job.Run
		if _, err := cron.NewJob(
			gocron.DurationJob(job.Interval),
			gocron.NewTask(func() { run(context.Background()) }),
			gocron.WithName(job.Name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			_ = cron.Shutdown()
			return nil, fmt.Errorf("scheduler: register %s: %w", job.Name, err)
		}
	}

	return &Pump{cron: cron, log: log}, nil
}

// Start begins running jobs in the background.
func (p *Pump) Start() {
	p.cron.Start()
}

// Stop waits for running jobs and stops the pump.
func (p *Pump) Stop() {
	if err := p.cron.Shutdown(); err != nil {
		p.log.Warn(context.Background(), "scheduler pump shutdown failed", logging.Err(err))
	}
}
