package workers

import (
	"context"
	"log"
	"time"

	"github.com/statuswatch/oncall/services"
)

// AlertWorker re-runs the escalation chain for every unacknowledged
// incident on a fixed interval. Each tick is one reminder round; the
// per-policy quotas inside the schedule status decide whether a tick
// actually sends anything.
type AlertWorker struct {
	AlertService *services.AlertService
	Interval     time.Duration
}

func NewAlertWorker(alertService *services.AlertService, interval time.Duration) *AlertWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &AlertWorker{
		AlertService: alertService,
		Interval:     interval,
	}
}

// Start runs reminder ticks until the context is cancelled.
func (w *AlertWorker) Start(ctx context.Context) {
	log.Printf("Alert worker started, reminder interval %s", w.Interval)

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Alert worker stopped")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *AlertWorker) tick(ctx context.Context) {
	incidents, err := w.AlertService.Incidents.FindUnacknowledged(100)
	if err != nil {
		log.Printf("Worker: failed to list unacknowledged incidents: %v", err)
		return
	}
	if len(incidents) == 0 {
		return
	}

	log.Printf("Worker: processing %d unacknowledged incidents", len(incidents))
	for _, incident := range incidents {
		if err := w.AlertService.ProcessIncident(ctx, incident); err != nil {
			log.Printf("Worker: escalation failed for incident %s: %v", incident.ID, err)
		}
	}
}
