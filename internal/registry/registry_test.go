package registry

import (
	"path/filepath"
	"testing"

	"github.com/mfonseca/warbler/internal/store"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestOpenIsIdempotent(t *testing.T) {
	r := testRegistry(t)

	c1, err := r.Open("me@s", "alice@s", 1000)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := r.Open("me@s", "alice@s", 2000)
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 {
		t.Error("Open should return the same conversation for the same pair")
	}
	if r.Count("me@s") != 1 {
		t.Errorf("count = %d, want 1", r.Count("me@s"))
	}
}

func TestCloseRemovesFromRegistry(t *testing.T) {
	r := testRegistry(t)

	if _, err := r.Open("me@s", "alice@s", 1000); err != nil {
		t.Fatal(err)
	}
	if err := r.Close("me@s", "alice@s"); err != nil {
		t.Fatal(err)
	}
	if r.Get("me@s", "alice@s") != nil {
		t.Error("closed conversation still in registry")
	}

	// Reopening yields a fresh counter.
	c, err := r.Open("me@s", "alice@s", 2000)
	if err != nil {
		t.Fatal(err)
	}
	if c.Unread() != 0 {
		t.Errorf("unread = %d, want 0 after reopen", c.Unread())
	}
}

func TestTouchAndMarkRead(t *testing.T) {
	r := testRegistry(t)

	c, err := r.Open("me@s", "alice@s", 1000)
	if err != nil {
		t.Fatal(err)
	}

	r.Touch("me@s", "alice@s", 2000, "hello", true)
	r.Touch("me@s", "alice@s", 3000, "newer", true)
	// An archive replay older than the newest entry must not regress.
	r.Touch("me@s", "alice@s", 1500, "stale", true)

	if c.Unread() != 3 {
		t.Errorf("unread = %d, want 3", c.Unread())
	}
	activity, ts := c.LastActivity()
	if activity != "newer" || ts != 3000 {
		t.Errorf("activity = %q/%d, want newer/3000", activity, ts)
	}

	r.MarkRead("me@s", "alice@s", 2)
	if c.Unread() != 1 {
		t.Errorf("unread = %d, want 1", c.Unread())
	}
	r.MarkRead("me@s", "alice@s", 5)
	if c.Unread() != 0 {
		t.Errorf("unread = %d, want 0 (clamped)", c.Unread())
	}

	// Touching an unopened conversation is a no-op.
	r.Touch("me@s", "bob@s", 1000, "x", true)
	if r.Get("me@s", "bob@s") != nil {
		t.Error("touch should not create conversations")
	}
}

func TestLoadRestoresOpenChats(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	r1 := New(db)
	if _, err := r1.Open("me@s", "alice@s", 1000); err != nil {
		t.Fatal(err)
	}
	if _, err := r1.Open("me@s", "bob@s", 2000); err != nil {
		t.Fatal(err)
	}
	if err := r1.Close("me@s", "bob@s"); err != nil {
		t.Fatal(err)
	}

	// A new process over the same database sees the still-open chats.
	r2 := New(db)
	if err := r2.Load("me@s"); err != nil {
		t.Fatal(err)
	}
	if r2.Get("me@s", "alice@s") == nil {
		t.Error("alice missing after load")
	}
	if r2.Get("me@s", "bob@s") != nil {
		t.Error("closed chat restored by load")
	}
}

func TestLastMessageTimestamp(t *testing.T) {
	r := testRegistry(t)

	if ts := r.LastMessageTimestamp("me@s"); ts != 0 {
		t.Errorf("empty registry timestamp = %d, want 0", ts)
	}

	if _, err := r.Open("me@s", "alice@s", 1000); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Open("me@s", "bob@s", 1000); err != nil {
		t.Fatal(err)
	}
	r.Touch("me@s", "alice@s", 2000, "a", false)
	r.Touch("me@s", "bob@s", 5000, "b", false)

	if ts := r.LastMessageTimestamp("me@s"); ts != 5000 {
		t.Errorf("timestamp = %d, want 5000", ts)
	}
}
