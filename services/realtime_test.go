package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statuswatch/oncall/db"
)

func TestPublishTimeline_RoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	svc := NewRealtimeService(rdb)
	ctx := context.Background()

	sub := svc.SubscribeTimeline(ctx, "proj-1")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	svc.PublishTimeline(ctx, TimelineEvent{
		IncidentID: "inc-1",
		ProjectID:  "proj-1",
		EventType:  db.EventIncidentIdentified,
		Message:    "SMS Success",
	})

	select {
	case msg := <-sub.Channel():
		var event TimelineEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
		assert.Equal(t, "inc-1", event.IncidentID)
		assert.Equal(t, db.EventIncidentIdentified, event.EventType)
		assert.Equal(t, "SMS Success", event.Message)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for timeline event")
	}
}

func TestPublishTimeline_NilClientIsNoop(t *testing.T) {
	var svc *RealtimeService
	svc.PublishTimeline(context.Background(), TimelineEvent{IncidentID: "inc-1"})

	NewRealtimeService(nil).PublishTimeline(context.Background(), TimelineEvent{IncidentID: "inc-1"})
}
