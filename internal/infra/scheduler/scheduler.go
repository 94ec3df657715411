package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// RoundSweeper closes rounds whose window ended and flags sessions that
// never started.
type RoundSweeper interface {
	CompleteExpiredRounds(ctx context.Context) (int, error)
	MarkMissedSessions(ctx context.Context) (int, error)
}

// SessionFinalizer aggregates completed sessions once their rounds are final.
type SessionFinalizer interface {
	FinalizePendingSessions(ctx context.Context) (int, error)
}

// ConsensusReconciler re-runs consensus for rounds left without a result.
type ConsensusReconciler interface {
	ReconcilePending(ctx context.Context) (int, error)
}

type Specs struct {
	RoundSweep   string
	SessionSweep string
	Reconcile    string
}

// AttendanceScheduler runs the periodic lifecycle sweeps. Every job is
// idempotent, so an overlapping or repeated run only finds less work.
type AttendanceScheduler struct {
	cronEngine *cron.Cron
	rounds     RoundSweeper
	sessions   SessionFinalizer
	consensus  ConsensusReconciler
	logger     *logrus.Entry
	specs      Specs
}

func NewAttendanceScheduler(
	rounds RoundSweeper,
	sessions SessionFinalizer,
	consensus ConsensusReconciler,
	logger *logrus.Entry,
	specs Specs,
) *AttendanceScheduler {
	return &AttendanceScheduler{
		// Round windows are UTC instants, so the schedule runs in UTC too.
		cronEngine: cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		rounds:     rounds,
		sessions:   sessions,
		consensus:  consensus,
		logger:     logger,
		specs:      specs,
	}
}

// Start registers the jobs and starts the cron engine. A malformed spec is
// returned instead of starting a partial schedule.
func (s *AttendanceScheduler) Start() error {
	s.logger.Info("Starting attendance scheduler...")

	jobs := []struct {
		name    string
		spec    string
		timeout time.Duration
		run     func(ctx context.Context)
	}{
		{"round sweep", s.specs.RoundSweep, time.Minute, s.sweepRounds},
		{"session sweep", s.specs.SessionSweep, 5 * time.Minute, s.sweepSessions},
		{"consensus reconcile", s.specs.Reconcile, 5 * time.Minute, s.reconcile},
	}
	for _, j := range jobs {
		j := j
		_, err := s.cronEngine.AddFunc(j.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
			defer cancel()
			s.logger.WithField("job", j.name).Debug("Cron job triggered")
			j.run(ctx)
		})
		if err != nil {
			return err
		}
	}

	s.cronEngine.Start()
	s.logger.Info("Attendance scheduler started with jobs.")
	return nil
}

func (s *AttendanceScheduler) sweepRounds(ctx context.Context) {
	n, err := s.rounds.CompleteExpiredRounds(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Error during round sweep")
		return
	}
	if n > 0 {
		s.logger.WithField("completed", n).Info("Expired rounds completed")
	}
}

func (s *AttendanceScheduler) sweepSessions(ctx context.Context) {
	missed, err := s.rounds.MarkMissedSessions(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Error while marking missed sessions")
	} else if missed > 0 {
		s.logger.WithField("missed", missed).Info("Sessions marked missed")
	}

	finalized, err := s.sessions.FinalizePendingSessions(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Error while finalizing sessions")
		return
	}
	if finalized > 0 {
		s.logger.WithField("finalized", finalized).Info("Session attendance aggregated")
	}
}

func (s *AttendanceScheduler) reconcile(ctx context.Context) {
	n, err := s.consensus.ReconcilePending(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Error during consensus reconcile")
		return
	}
	if n > 0 {
		s.logger.WithField("rounds", n).Info("Pending rounds reconciled")
	}
}

func (s *AttendanceScheduler) Stop() {
	s.logger.Info("Stopping attendance scheduler...")
	ctx := s.cronEngine.Stop() // Stops the scheduler from adding new jobs, waits for running jobs.
	<-ctx.Done()
	s.logger.Info("Attendance scheduler gracefully stopped.")
}
