package services

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the retention sweep daily at 03:00
const DefaultSweepSchedule = "0 3 * * *"

// RetentionScheduler runs the daily sweep that deletes column backups past
// their 90-day retention window
type RetentionScheduler struct {
	backups  *BackupService
	schedule string
	cron     *cron.Cron
}

// NewRetentionScheduler creates a scheduler with the default daily schedule
func NewRetentionScheduler(backups *BackupService) *RetentionScheduler {
	return &RetentionScheduler{
		backups:  backups,
		schedule: DefaultSweepSchedule,
	}
}

// SetSchedule overrides the cron expression before Start
func (s *RetentionScheduler) SetSchedule(expr string) {
	s.schedule = expr
}

// Start registers the sweep and launches the cron loop
func (s *RetentionScheduler) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, s.runSweep); err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("⏰ Backup retention sweep scheduled (%s)", s.schedule)
	return nil
}

// Stop halts the cron loop, waiting for a running sweep to finish
func (s *RetentionScheduler) Stop() {
	if s.cron == nil {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Printf("⏰ Backup retention sweep stopped")
}

// RunNow triggers one sweep immediately, for the admin CLI
func (s *RetentionScheduler) RunNow(ctx context.Context) (int64, error) {
	return s.backups.Sweep(ctx)
}

func (s *RetentionScheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := s.backups.Sweep(ctx); err != nil {
		log.Printf("⚠️  Backup retention sweep failed: %v", err)
	}
}
