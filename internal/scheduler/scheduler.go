package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"piano-wallet-api/internal/config"
)

const sweepBatchSize = 100

// Sweeps is the slice of the wallet service the scheduler drives.
type Sweeps interface {
	ProcessDueRetries(ctx context.Context, limit int) (int, error)
	ExpireStalePending(ctx context.Context, maxAge time.Duration, limit int) (int, error)
	MarkAbandonedSessions(ctx context.Context, idleTimeout time.Duration) (int64, error)
	ReconcileBalances(ctx context.Context, since time.Time, limit int) (int, error)
}

// SweepRecorder counts sweep executions. Satisfied by monitoring.Metrics.
type SweepRecorder interface {
	RecordSweepRun(sweep string, err error)
}

type noopRecorder struct{}

func (noopRecorder) RecordSweepRun(string, error) {}

// Scheduler runs the periodic wallet sweeps: gateway retries, pending expiry,
// abandoned session cleanup and the nightly balance reconciliation.
type Scheduler struct {
	cron     *cron.Cron
	sweeps   Sweeps
	cfg      config.SchedulerConfig
	idleWait time.Duration
	recorder SweepRecorder
}

func NewScheduler(sweeps Sweeps, cfg config.SchedulerConfig, sessionIdleTimeout time.Duration) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		sweeps:   sweeps,
		cfg:      cfg,
		idleWait: sessionIdleTimeout,
		recorder: noopRecorder{},
	}
}

// SetRecorder swaps in a real sweep counter.
func (s *Scheduler) SetRecorder(r SweepRecorder) {
	if r != nil {
		s.recorder = r
	}
}

// Start registers the sweeps and launches the cron loop. Sweep failures are
// logged and retried on the next tick, never escalated.
func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		logrus.Info("Scheduler disabled")
		return nil
	}

	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context)
	}{
		{"retry_sweep", s.cfg.RetrySweepSpec, s.runRetrySweep},
		{"expiry_sweep", s.cfg.ExpirySweepSpec, s.runExpirySweep},
		{"session_sweep", s.cfg.SessionSweepSpec, s.runSessionSweep},
		{"reconciliation", s.cfg.ReconciliationSpec, s.runReconciliation},
	}

	for _, job := range jobs {
		job := job
		if _, err := s.cron.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			job.run(ctx)
		}); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"job":  job.name,
			"spec": job.spec,
		}).Info("Scheduled sweep registered")
	}

	s.cron.Start()
	logrus.Info("Scheduler started")
	return nil
}

// Stop halts the cron loop and waits for running sweeps to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logrus.Info("Scheduler stopped")
}

func (s *Scheduler) runRetrySweep(ctx context.Context) {
	processed, err := s.sweeps.ProcessDueRetries(ctx, sweepBatchSize)
	s.recorder.RecordSweepRun("retry", err)
	if err != nil {
		logrus.WithError(err).Error("Retry sweep failed")
		return
	}
	if processed > 0 {
		logrus.WithField("processed", processed).Info("Retry sweep completed")
	}
}

func (s *Scheduler) runExpirySweep(ctx context.Context) {
	expired, err := s.sweeps.ExpireStalePending(ctx, s.cfg.PendingExpiry, sweepBatchSize)
	s.recorder.RecordSweepRun("expiry", err)
	if err != nil {
		logrus.WithError(err).Error("Expiry sweep failed")
		return
	}
	if expired > 0 {
		logrus.WithField("expired", expired).Info("Expiry sweep completed")
	}
}

func (s *Scheduler) runSessionSweep(ctx context.Context) {
	abandoned, err := s.sweeps.MarkAbandonedSessions(ctx, s.idleWait)
	s.recorder.RecordSweepRun("session", err)
	if err != nil {
		logrus.WithError(err).Error("Session sweep failed")
		return
	}
	if abandoned > 0 {
		logrus.WithField("abandoned", abandoned).Info("Session sweep completed")
	}
}

func (s *Scheduler) runReconciliation(ctx context.Context) {
	since := time.Now().Add(-48 * time.Hour)
	reconciled, err := s.sweeps.ReconcileBalances(ctx, since, 10*sweepBatchSize)
	s.recorder.RecordSweepRun("reconciliation", err)
	if err != nil {
		logrus.WithError(err).Error("Reconciliation sweep failed")
		return
	}
	logrus.WithField("reconciled", reconciled).Info("Reconciliation sweep completed")
}
