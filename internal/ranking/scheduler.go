package ranking

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"dvermarket/catalogworker/logger"
)

// Scheduler runs the ranking recompute on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	engine *Engine
	log    *logger.Logger
}

func NewScheduler(engine *Engine) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		engine: engine,
		log:    logger.ForRanking(),
	}
}

// Start registers the recompute job and starts the cron loop. cronExpr
// uses 6 fields: seconds, minutes, hours, day of month, month, day of
// week. "0 0 4 * * *" runs at 4:00 every day.
func (s *Scheduler) Start(cronExpr string) error {
	_, err := s.cron.AddFunc(cronExpr, s.runRecompute)
	if err != nil {
		return fmt.Errorf("failed to register ranking cron %q: %w", cronExpr, err)
	}

	s.cron.Start()
	s.log.Info().Str("cron", cronExpr).Msg("ranking scheduler started")
	return nil
}

// Stop stops the cron loop. The returned context is done once any
// in-flight recompute has finished.
func (s *Scheduler) Stop() context.Context {
	s.log.Info().Msg("stopping ranking scheduler")
	return s.cron.Stop()
}

// RunNow triggers a recompute outside the schedule.
func (s *Scheduler) RunNow() {
	go s.runRecompute()
}

func (s *Scheduler) runRecompute() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if _, err := s.engine.RecomputeWindow(ctx); err != nil {
		s.log.Error().Err(err).Msg("scheduled ranking recompute failed")
	}
}
