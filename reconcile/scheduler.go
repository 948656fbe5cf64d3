/*
scheduler.go - Cron wiring for scheduled reconciliation

PURPOSE:
  Runs RunScheduled on a cron spec (seconds field enabled). Each run is
  bounded by a timeout so a stuck upstream cannot pile runs on top of
  each other; the cron chain recovers panics instead of killing the
  process.
*/
package reconcile

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultCronSpec runs nightly at 02:00 UTC.
const DefaultCronSpec = "0 0 2 * * *"

// Scheduler owns the cron loop around a Reconciler.
type Scheduler struct {
	Reconciler *Reconciler
	Spec       string
	RunTimeout time.Duration
	Logger     *zap.Logger

	cron *cron.Cron
}

func NewScheduler(rc *Reconciler, spec string, logger *zap.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultCronSpec
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		Reconciler: rc,
		Spec:       spec,
		RunTimeout: 10 * time.Minute,
		Logger:     logger,
	}

	s.cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.RunTimeout)
		defer cancel()
		if _, err := s.Reconciler.RunScheduled(ctx); err != nil {
			s.Logger.Error("scheduled reconciliation failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.Logger.Info("reconciliation scheduler started", zap.String("spec", s.Spec))
}

// Stop waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.Logger.Info("reconciliation scheduler stopped")
}
