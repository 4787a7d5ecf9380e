package planner

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler drives Trigger on a cron schedule, the periodic trigger of the
// weekly benchmark cycle. The Planner stays a singleton: one scheduler per
// deployment, with on-demand triggers going through the same Trigger method.
type Scheduler struct {
	cron    *cron.Cron
	planner *Planner
}

// NewScheduler registers a periodic trigger at spec (standard 5-field cron
// syntax, e.g. "0 6 * * 1" for Mondays at 06:00 UTC).
func NewScheduler(spec string, p *Planner) (*Scheduler, error) {
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(spec, func() {
		if _, err := p.Trigger(context.Background(), false); err != nil {
			p.Logger.WithError(err).Error("scheduled planning pass failed")
		}
	})
	if err != nil {
		return nil, err
	}
	return &Scheduler{cron: c, planner: p}, nil
}

// Start begins firing the schedule in a background goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule and waits for an in-flight trigger to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
