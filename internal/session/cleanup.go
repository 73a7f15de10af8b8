package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultCleanupSchedule runs the purge once an hour.
const DefaultCleanupSchedule = "@hourly"

// CleanupJob purges expired sessions on a cron schedule.
type CleanupJob struct {
	store    Store
	schedule string
	cron     *cron.Cron
	logger   *zap.Logger
}

// NewCleanupJob creates a job for store. An empty schedule uses DefaultCleanupSchedule.
func NewCleanupJob(store Store, schedule string, logger *zap.Logger) *CleanupJob {
	if schedule == "" {
		schedule = DefaultCleanupSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CleanupJob{
		store:    store,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger,
	}
}

// Start schedules the purge.
func (j *CleanupJob) Start() error {
	_, err := j.cron.AddFunc(j.schedule, func() {
		if _, err := j.RunOnce(context.Background()); err != nil {
			j.logger.Error("session cleanup failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule session cleanup %q: %w", j.schedule, err)
	}
	j.cron.Start()
	j.logger.Info("session cleanup scheduled", zap.String("schedule", j.schedule))
	return nil
}

// Stop waits for a running purge to finish.
func (j *CleanupJob) Stop() {
	<-j.cron.Stop().Done()
}

// RunOnce purges expired sessions now.
func (j *CleanupJob) RunOnce(ctx context.Context) (int64, error) {
	n, err := j.store.DeleteExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Info("expired sessions removed", zap.Int64("count", n))
	}
	return n, nil
}
