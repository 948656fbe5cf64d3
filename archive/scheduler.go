/*
scheduler.go - Cron wiring for the nightly auto backup and purge

PURPOSE:
  Creates an auto_daily backup on a cron spec (seconds field enabled)
  and then purges backups past the retention horizon. Panics are
  recovered by the cron chain so a bad night never kills the process.
*/
package archive

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultCronSpec runs nightly at 02:30 UTC, after reconciliation.
const DefaultCronSpec = "0 30 2 * * *"

// Scheduler owns the cron loop around an Archive.
type Scheduler struct {
	Archive    *Archive
	Spec       string
	RunTimeout time.Duration
	Logger     *zap.Logger

	cron *cron.Cron
}

func NewScheduler(a *Archive, spec string, logger *zap.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultCronSpec
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		Archive:    a,
		Spec:       spec,
		RunTimeout: 10 * time.Minute,
		Logger:     logger,
	}

	s.cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.RunTimeout)
		defer cancel()
		if _, err := s.Archive.Create(ctx, BackupAutoDaily, "", "nightly auto backup"); err != nil {
			s.Logger.Error("nightly backup failed", zap.Error(err))
			return
		}
		if _, err := s.Archive.Purge(ctx); err != nil {
			s.Logger.Error("backup purge failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.Logger.Info("backup scheduler started", zap.String("spec", s.Spec))
}

// Stop waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.Logger.Info("backup scheduler stopped")
}
