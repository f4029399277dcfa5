package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ravensworth/turnloop/internal/session"
	"github.com/ravensworth/turnloop/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_Load_NotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Load(context.Background(), "missing")
	if err != session.ErrNotFound {
		t.Fatalf("Load() error = %v, want session.ErrNotFound", err)
	}
}

func TestStore_Append_ThenLoad(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.Append(ctx, "conv-1", []models.Message{
		{ID: "m1", Role: models.RoleUser, Content: "hello", Timestamp: time.Now()},
		{ID: "m2", Role: models.RoleAssistant, Content: "hi there", Timestamp: time.Now()},
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	sess, err := store.Load(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(sess.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(sess.Messages))
	}
	if sess.Messages[0].Content != "hello" || sess.Messages[1].Content != "hi there" {
		t.Errorf("messages out of order: %+v", sess.Messages)
	}

	err = store.Append(ctx, "conv-1", []models.Message{
		{ID: "m3", Role: models.RoleUser, Content: "third", Timestamp: time.Now()},
	})
	if err != nil {
		t.Fatalf("second Append() error = %v", err)
	}
	sess, err = store.Load(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Load() after second append error = %v", err)
	}
	if len(sess.Messages) != 3 || sess.Messages[2].Content != "third" {
		t.Fatalf("unexpected messages after second append: %+v", sess.Messages)
	}
}

func TestStore_ReplacePrefix(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.Append(ctx, "conv-1", []models.Message{
		{ID: "m1", Role: models.RoleUser, Content: "one", Timestamp: time.Now()},
		{ID: "m2", Role: models.RoleAssistant, Content: "two", Timestamp: time.Now()},
		{ID: "m3", Role: models.RoleUser, Content: "three", Timestamp: time.Now()},
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	summary := models.Message{ID: "summary", Role: models.RoleSystem, Content: "summary of one+two"}
	if err := store.ReplacePrefix(ctx, "conv-1", 2, summary); err != nil {
		t.Fatalf("ReplacePrefix() error = %v", err)
	}

	sess, err := store.Load(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(sess.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(sess.Messages))
	}
	if sess.Messages[0].Content != "summary of one+two" {
		t.Errorf("Messages[0].Content = %q, want summary", sess.Messages[0].Content)
	}
	if sess.Messages[1].Content != "three" {
		t.Errorf("Messages[1].Content = %q, want %q", sess.Messages[1].Content, "three")
	}

	err = store.Append(ctx, "conv-1", []models.Message{
		{ID: "m4", Role: models.RoleUser, Content: "four", Timestamp: time.Now()},
	})
	if err != nil {
		t.Fatalf("Append() after ReplacePrefix error = %v", err)
	}
	sess, err = store.Load(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(sess.Messages) != 3 || sess.Messages[2].Content != "four" {
		t.Fatalf("unexpected messages after append following replace: %+v", sess.Messages)
	}
}

func TestStore_ReplacePrefix_NotFound(t *testing.T) {
	store := openTestStore(t)
	err := store.ReplacePrefix(context.Background(), "missing", 0, models.Message{})
	if err != session.ErrNotFound {
		t.Fatalf("ReplacePrefix() error = %v, want session.ErrNotFound", err)
	}
}

func TestStore_ListRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"conv-a", "conv-b", "conv-c"} {
		if err := store.Append(ctx, key, []models.Message{
			{ID: key + "-m1", Role: models.RoleUser, Content: "hi", Timestamp: time.Now()},
		}); err != nil {
			t.Fatalf("Append(%s) error = %v", key, err)
		}
		time.Sleep(time.Millisecond)
	}

	sessions, err := store.ListRecent(ctx, "", 2)
	if err != nil {
		t.Fatalf("ListRecent() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("len(sessions) = %d, want 2", len(sessions))
	}
	if sessions[0].ConversationKey != "conv-c" {
		t.Errorf("sessions[0].ConversationKey = %q, want conv-c (most recent first)", sessions[0].ConversationKey)
	}
}
