package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// retentionStore is the slice of the task store the sweeper needs
type retentionStore interface {
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionService periodically purges completed and failed tasks older than
// the configured age. The pipeline itself never garbage-collects; this is the
// retention job that owns cleanup.
type RetentionService struct {
	store    retentionStore
	schedule string
	maxAge   time.Duration
	cron     *cron.Cron
}

// NewRetentionService creates a retention sweeper. schedule is a cron spec
// with a seconds field, e.g. "0 0 * * * *" for hourly.
func NewRetentionService(store retentionStore, schedule string, maxAge time.Duration) *RetentionService {
	return &RetentionService{
		store:    store,
		schedule: schedule,
		maxAge:   maxAge,
		cron:     cron.New(cron.WithSeconds()),
	}
}

// Start schedules the sweep and starts the cron scheduler
func (s *RetentionService) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.sweep); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	log.Printf("Retention sweeper started (schedule %q, max age %s)", s.schedule, s.maxAge)
	return nil
}

// Stop stops the cron scheduler
func (s *RetentionService) Stop() {
	s.cron.Stop()
	log.Println("Retention sweeper stopped")
}

func (s *RetentionService) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.maxAge)
	deleted, err := s.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		log.Printf("WARNING: Retention sweep failed: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("Retention sweep removed %d terminal tasks older than %s", deleted, cutoff.Format(time.RFC3339))
	}
}
