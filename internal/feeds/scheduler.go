package feeds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler runs SyncAll on a cron schedule. A tick that arrives while the
// previous run is still going is skipped.
type Scheduler struct {
	cron *cron.Cron
	sync *Synchronizer
	log  *slog.Logger
	ctx  context.Context // Set by Run; cancelled runs stop between items
}

// NewScheduler parses spec (standard five fields or a descriptor such as
// "@every 6h") and registers the sync job.
func NewScheduler(spec string, s *Synchronizer, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sc := &Scheduler{
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger}))),
		sync: s,
		log:  logger,
		ctx:  context.Background(),
	}
	if _, err := sc.cron.AddFunc(spec, sc.tick); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", spec, err)
	}
	return sc, nil
}

func (sc *Scheduler) tick() {
	report, err := sc.sync.SyncAll(sc.ctx)
	switch {
	case errors.Is(err, ErrSyncInProgress):
		sc.log.Info("scheduled sync skipped, another sync is running")
	case err != nil:
		sc.log.Error("scheduled sync failed", "error", err)
	default:
		sc.log.Info("scheduled sync completed", "synced", report.Synced, "errors", report.Errors)
	}
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running job to finish.
func (sc *Scheduler) Run(ctx context.Context) error {
	sc.ctx = ctx
	sc.cron.Start()
	<-ctx.Done()
	<-sc.cron.Stop().Done()
	return nil
}

// cronLogger adapts slog to cron's logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
