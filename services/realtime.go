package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/statuswatch/oncall/db"
)

// RealtimeService publishes incident timeline events over Redis so
// connected dashboards see alert progress live.
type RealtimeService struct {
	Redis *redis.Client
}

func NewRealtimeService(rdb *redis.Client) *RealtimeService {
	return &RealtimeService{Redis: rdb}
}

// TimelineEvent is one realtime update on an incident channel.
type TimelineEvent struct {
	IncidentID string       `json:"incident_id"`
	ProjectID  string       `json:"project_id"`
	EventType  db.EventType `json:"event_type"`
	AlertID    string       `json:"alert_id,omitempty"`
	Message    string       `json:"message,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

func incidentChannel(projectID string) string {
	return fmt.Sprintf("incident-updates:%s", projectID)
}

// PublishTimeline pushes an event to the project's update channel.
// Realtime delivery is best effort; a publish failure is logged, never
// propagated into the alert path.
func (s *RealtimeService) PublishTimeline(ctx context.Context, event TimelineEvent) {
	if s == nil || s.Redis == nil {
		return
	}
	event.Timestamp = time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to encode timeline event: %v", err)
		return
	}

	if err := s.Redis.Publish(ctx, incidentChannel(event.ProjectID), payload).Err(); err != nil {
		log.Printf("Failed to publish timeline event for incident %s: %v", event.IncidentID, err)
	}
}

// SubscribeTimeline returns a subscription on a project's update
// channel. The caller owns closing it.
func (s *RealtimeService) SubscribeTimeline(ctx context.Context, projectID string) *redis.PubSub {
	return s.Redis.Subscribe(ctx, incidentChannel(projectID))
}
