package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dmhub/internal/models"
)

func newTestStore(t *testing.T) *BboltStorage {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "storage_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	store, err := NewBboltStorage(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	return store
}

func TestFindOrCreate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv1, err := store.FindOrCreate(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("FindOrCreate failed: %v", err)
	}
	if conv1.ID == "" {
		t.Fatal("expected non-empty conversation ID")
	}
	if conv1.Participants != [2]string{"u1", "u2"} {
		t.Errorf("unexpected participants: %v", conv1.Participants)
	}

	// Reversed pair must resolve to the same conversation.
	conv2, err := store.FindOrCreate(ctx, "u2", "u1")
	if err != nil {
		t.Fatalf("FindOrCreate reversed failed: %v", err)
	}
	if conv2.ID != conv1.ID {
		t.Errorf("expected same conversation, got %s and %s", conv1.ID, conv2.ID)
	}
}

func TestFindOrCreate_Concurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const workers = 16
	ids := make([]string, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, err := store.FindOrCreate(ctx, a, b)
			if err != nil {
				t.Errorf("FindOrCreate failed: %v", err)
				return
			}
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("conversation IDs diverged: %s vs %s", ids[0], ids[i])
		}
	}
}

func TestMessageLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.FindOrCreate(ctx, "u1", "u2")
	if err != nil {
		t.Fatal(err)
	}

	msg := models.Message{
		ConversationID: conv.ID,
		SenderID:       "u1",
		RecipientID:    "u2",
		Content:        "hi",
		Type:           models.MessageTypeText,
	}
	if err := store.Insert(ctx, &msg); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if msg.ID == "" {
		t.Fatal("Insert did not assign an ID")
	}
	if msg.Status != models.MessageStatusSent {
		t.Errorf("expected status sent, got %s", msg.Status)
	}

	t.Run("MarkDelivered", func(t *testing.T) {
		changed, err := store.MarkDelivered(ctx, msg.ID, time.Now())
		if err != nil {
			t.Fatalf("MarkDelivered failed: %v", err)
		}
		if !changed {
			t.Error("expected MarkDelivered to report a change")
		}

		got, err := store.Get(ctx, msg.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != models.MessageStatusDelivered {
			t.Errorf("expected status delivered, got %s", got.Status)
		}
		if got.DeliveredAt == nil {
			t.Error("expected deliveredAt to be set")
		}

		// Second delivery attempt is a no-op.
		changed, err = store.MarkDelivered(ctx, msg.ID, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		if changed {
			t.Error("expected repeated MarkDelivered to be a no-op")
		}
	})

	t.Run("MarkSeen", func(t *testing.T) {
		changed, err := store.MarkSeen(ctx, msg.ID, time.Now())
		if err != nil {
			t.Fatalf("MarkSeen failed: %v", err)
		}
		if !changed {
			t.Error("expected MarkSeen to report a change")
		}

		// Status never regresses: delivered after seen is a no-op.
		changed, err = store.MarkDelivered(ctx, msg.ID, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		if changed {
			t.Error("MarkDelivered moved a seen message backward")
		}

		changed, err = store.MarkSeen(ctx, msg.ID, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		if changed {
			t.Error("expected repeated MarkSeen to be a no-op")
		}

		got, err := store.Get(ctx, msg.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != models.MessageStatusSeen {
			t.Errorf("expected status seen, got %s", got.Status)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := store.Get(ctx, "no-such-message"); err != models.ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestListByConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.FindOrCreate(ctx, "u1", "u2")
	if err != nil {
		t.Fatal(err)
	}

	contents := []string{"one", "two", "three"}
	for _, c := range contents {
		msg := models.Message{
			ConversationID: conv.ID,
			SenderID:       "u1",
			RecipientID:    "u2",
			Content:        c,
			Type:           models.MessageTypeText,
		}
		if err := store.Insert(ctx, &msg); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond) // distinct creation timestamps
	}

	messages, err := store.ListByConversation(ctx, conv.ID, 1, 20)
	if err != nil {
		t.Fatalf("ListByConversation failed: %v", err)
	}
	if len(messages) != len(contents) {
		t.Fatalf("expected %d messages, got %d", len(contents), len(messages))
	}
	for i, c := range contents {
		if messages[i].Content != c {
			t.Errorf("index %d: expected %q, got %q", i, c, messages[i].Content)
		}
	}

	// Page past the end is empty, not an error.
	messages, err = store.ListByConversation(ctx, conv.ID, 5, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 0 {
		t.Errorf("expected empty page, got %d messages", len(messages))
	}
}

func TestIdentity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	identity := models.Identity{
		ID:          "u1",
		DisplayName: "Alice",
		PushSub:     `{"endpoint":"https://push.example/abc"}`,
	}
	if err := store.UpsertIdentity(ctx, identity); err != nil {
		t.Fatalf("UpsertIdentity failed: %v", err)
	}

	got, err := store.GetIdentity(ctx, "u1")
	if err != nil {
		t.Fatalf("GetIdentity failed: %v", err)
	}
	if got.DisplayName != "Alice" || got.PushSub != identity.PushSub {
		t.Errorf("unexpected identity: %+v", got)
	}

	lastSeen := time.Unix(1700000000, 0)
	if err := store.SetOnline(ctx, "u1", true, lastSeen); err != nil {
		t.Fatalf("SetOnline failed: %v", err)
	}

	got, err = store.GetIdentity(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Online {
		t.Error("expected identity to be online")
	}
	if got.LastSeen != lastSeen.Unix() {
		t.Errorf("expected lastSeen %d, got %d", lastSeen.Unix(), got.LastSeen)
	}

	rotated := `{"endpoint":"https://push.example/def"}`
	if err := store.SetPushSubscription(ctx, "u1", rotated); err != nil {
		t.Fatalf("SetPushSubscription failed: %v", err)
	}
	got, err = store.GetIdentity(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.PushSub != rotated {
		t.Errorf("expected rotated subscription, got %q", got.PushSub)
	}

	// Updates for unknown users are ignored, the registration service
	// owns the records.
	if err := store.SetOnline(ctx, "ghost", true, lastSeen); err != nil {
		t.Errorf("SetOnline for unknown user should be a no-op, got %v", err)
	}
	if _, err := store.GetIdentity(ctx, "ghost"); err != models.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
