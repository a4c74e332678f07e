package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/taskinen/wrm-systems/internal/coordinator"
)

// Scheduler drives the coordinator on a fixed poll interval. Cycles run
// sequentially; the coordinator's cycle lock keeps a slow cycle and the
// next tick from overlapping.
type Scheduler struct {
	ctx          context.Context
	coordinator  *coordinator.Coordinator
	logger       *logrus.Logger
	cron         *cron.Cron
	pollInterval time.Duration
	cycleTimeout time.Duration
}

// NewScheduler builds a Scheduler polling at pollInterval. Each cycle is
// bounded by cycleTimeout so a misbehaving endpoint cannot wedge the loop.
func NewScheduler(ctx context.Context, coord *coordinator.Coordinator, pollInterval, cycleTimeout time.Duration, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		ctx:          ctx,
		coordinator:  coord,
		logger:       logger,
		cron:         cron.New(),
		pollInterval: pollInterval,
		cycleTimeout: cycleTimeout,
	}
}

// Start registers the periodic cycle and starts the cron loop.
func (s *Scheduler) Start() error {
	spec := fmt.Sprintf("@every %s", s.pollInterval)
	_, err := s.cron.AddFunc(spec, s.runCycle)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) runCycle() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cycleTimeout)
	defer cancel()

	if _, err := s.coordinator.RunCycle(ctx); err != nil {
		s.logger.WithError(err).Error("Sync cycle failed")
	}
}

// Stop the scheduler.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
