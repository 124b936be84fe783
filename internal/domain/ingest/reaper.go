package ingest

import (
	"context"
	"log"
	"time"
)

// StaleAborter aborts upload sessions idle past their TTL.
type StaleAborter interface {
	AbortStale(ctx context.Context) (int, error)
}

// SweepReport summarizes one reaper run.
type SweepReport struct {
	AbortedSessions int           `json:"aborted_sessions"`
	ExpiredObjects  int           `json:"expired_objects"`
	OrphanStaging   int           `json:"orphan_staging"`
	Duration        time.Duration `json:"duration_ns"`
	Errors          []string      `json:"errors,omitempty"`
}

// Reaper aborts stale sessions, deletes expired objects and removes staging data
// left behind by closed sessions.
type Reaper struct {
	sessions StaleAborter
	service  *Service
}

func NewReaper(sessions StaleAborter, service *Service) *Reaper {
	return &Reaper{sessions: sessions, service: service}
}

// RunOnce runs every task; one failing task does not stop the others.
func (r *Reaper) RunOnce(ctx context.Context) SweepReport {
	log.Println("Starting cleanup sweep...")
	start := time.Now()
	var report SweepReport

	n, err := r.sessions.AbortStale(ctx)
	report.AbortedSessions = n
	if err != nil {
		log.Printf("Warning: stale session cleanup failed: %v", err)
		report.Errors = append(report.Errors, "stale sessions: "+err.Error())
	}

	n, err = r.service.DeleteExpired(ctx)
	report.ExpiredObjects = n
	if err != nil {
		log.Printf("Warning: expired object cleanup failed: %v", err)
		report.Errors = append(report.Errors, "expired objects: "+err.Error())
	}

	n, err = r.service.CleanOrphanStaging(ctx)
	report.OrphanStaging = n
	if err != nil {
		log.Printf("Warning: orphan staging cleanup failed: %v", err)
		report.Errors = append(report.Errors, "orphan staging: "+err.Error())
	}

	report.Duration = time.Since(start)
	log.Printf("Cleanup sweep completed: aborted_sessions=%d expired_objects=%d orphan_staging=%d duration=%v",
		report.AbortedSessions, report.ExpiredObjects, report.OrphanStaging, report.Duration)
	return report
}

// Schedule runs RunOnce every interval until ctx ends or the returned channel
// is closed.
func (r *Reaper) Schedule(ctx context.Context, interval time.Duration) chan struct{} {
	stopCh := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.RunOnce(ctx)
			case <-stopCh:
				log.Println("Scheduled cleanup stopped")
				return
			case <-ctx.Done():
				log.Println("Scheduled cleanup stopped (context Done)")
				return
			}
		}
	}()

	log.Printf("Scheduled cleanup started with interval %v", interval)
	return stopCh
}
