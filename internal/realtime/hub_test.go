package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestHub(t *testing.T) (*Hub, context.CancelFunc) {
	s := miniredis.RunT(t)
	opts, err := redis.ParseURL("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	hub := NewHub(redis.NewClient(opts))
	ctx, cancel := context.WithCancel(context.Background())
	hub.Run(ctx)
	return hub, cancel
}

func waitForEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed before event arrived")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestPublishReachesRoomSubscribers(t *testing.T) {
	hub, cancel := setupTestHub(t)
	defer cancel()
	defer hub.Shutdown()

	first := hub.Subscribe("grp_1")
	second := hub.Subscribe("grp_1")

	if err := hub.Publish(context.Background(), "grp_1", KindGroupUpdate, map[string]string{"groupId": "grp_1"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for _, sub := range []*Subscription{first, second} {
		event := waitForEvent(t, sub)
		if event.Kind != KindGroupUpdate {
			t.Fatalf("expected %s, got %s", KindGroupUpdate, event.Kind)
		}
		var payload map[string]string
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			t.Fatalf("parse payload: %v", err)
		}
		if payload["groupId"] != "grp_1" {
			t.Fatalf("expected groupId grp_1, got %q", payload["groupId"])
		}
	}
}

func TestPublishScopedToRoom(t *testing.T) {
	hub, cancel := setupTestHub(t)
	defer cancel()
	defer hub.Shutdown()

	inRoom := hub.Subscribe("grp_1")
	otherRoom := hub.Subscribe("grp_2")

	if err := hub.Publish(context.Background(), "grp_1", KindContentUpdate, map[string]string{"groupId": "grp_1"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitForEvent(t, inRoom)

	select {
	case event := <-otherRoom.Events():
		t.Fatalf("unexpected event in other room: %+v", event)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUnsubscribedConnectionGetsNothing(t *testing.T) {
	hub, cancel := setupTestHub(t)
	defer cancel()
	defer hub.Shutdown()

	sub := hub.Subscribe("grp_1")
	sub.Close()

	if err := hub.Publish(context.Background(), "grp_1", KindGroupUpdate, map[string]string{"groupId": "grp_1"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed events channel after Close")
	}
}

func TestLocalDeliveryWithoutRedis(t *testing.T) {
	hub := NewHub(nil)
	hub.Run(context.Background())
	defer hub.Shutdown()

	sub := hub.Subscribe("grp_1")
	if err := hub.Publish(context.Background(), "grp_1", KindChatMessage, map[string]string{"body": "hello"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	event := waitForEvent(t, sub)
	if event.Kind != KindChatMessage {
		t.Fatalf("expected %s, got %s", KindChatMessage, event.Kind)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	hub := NewHub(nil)
	hub.Run(context.Background())
	defer hub.Shutdown()

	sub := hub.Subscribe("grp_1")
	sub.Close()
	sub.Close()
}
