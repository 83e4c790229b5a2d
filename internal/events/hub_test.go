package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeExecStarted, map[string]string{"subscription": "website"})

	select {
	case ev := <-ch:
		if ev.Type != TypeExecStarted {
			t.Errorf("Type = %q, want %q", ev.Type, TypeExecStarted)
		}
		if ev.ID != 1 {
			t.Errorf("ID = %d, want 1", ev.ID)
		}
		var data map[string]string
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			t.Fatalf("unmarshal data: %v", err)
		}
		if data["subscription"] != "website" {
			t.Errorf("data = %v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestPublishNilData(t *testing.T) {
	h := NewHub(10)
	h.Publish(TypeFeedState, nil)

	events := h.SnapshotSince(0)
	if len(events) != 1 {
		t.Fatalf("snapshot has %d events, want 1", len(events))
	}
	if string(events[0].Data) != "{}" {
		t.Errorf("Data = %s, want {}", events[0].Data)
	}
}

func TestSnapshotSince(t *testing.T) {
	h := NewHub(10)
	for i := 0; i < 5; i++ {
		h.Publish(TypeExecFinished, nil)
	}

	all := h.SnapshotSince(0)
	if len(all) != 5 {
		t.Fatalf("full snapshot has %d events, want 5", len(all))
	}

	tail := h.SnapshotSince(3)
	if len(tail) != 2 {
		t.Fatalf("snapshot since 3 has %d events, want 2", len(tail))
	}
	if tail[0].ID != 4 || tail[1].ID != 5 {
		t.Errorf("snapshot IDs = %d, %d, want 4, 5", tail[0].ID, tail[1].ID)
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TypeCommitQueued, nil)
	}

	events := h.SnapshotSince(0)
	if len(events) != 3 {
		t.Fatalf("snapshot has %d events, want 3", len(events))
	}
	for i, want := range []int64{3, 4, 5} {
		if events[i].ID != want {
			t.Errorf("events[%d].ID = %d, want %d", i, events[i].ID, want)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	h := NewHub(10)
	_, cancel := h.Subscribe() // Never drained.
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			h.Publish(TypeFeedState, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}

	// Publishing after cancel must not panic on the closed channel.
	h.Publish(TypeFeedState, nil)

	cancel() // Idempotent.
}
