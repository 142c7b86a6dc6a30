package logstore

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir()+"/logs.db")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertAt(t *testing.T, s *Store, ts time.Time, level, message string) {
	t.Helper()
	err := s.Insert(context.Background(), &Entry{
		Timestamp: ts,
		Level:     level,
		Message:   message,
	})
	if err != nil {
		t.Fatalf("Insert(%q) error = %v", message, err)
	}
}

func TestInsertAndQuery(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	insertAt(t, s, now.Add(-2*time.Minute), "info", "server started")
	insertAt(t, s, now.Add(-time.Minute), "warn", "alert triggered")
	insertAt(t, s, now, "info", "client connected")

	entries, err := s.Query(context.Background(), QueryOptions{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Query() returned %d entries, want 3", len(entries))
	}

	// Newest first.
	if entries[0].Message != "client connected" || entries[2].Message != "server started" {
		t.Errorf("order = [%s, %s, %s], want newest first",
			entries[0].Message, entries[1].Message, entries[2].Message)
	}
	if entries[0].ID == 0 {
		t.Error("inserted entry has zero ID")
	}
}

func TestQueryLevelFilter(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	insertAt(t, s, now, "info", "a")
	insertAt(t, s, now, "warn", "b")
	insertAt(t, s, now, "error", "c")

	entries, err := s.Query(context.Background(), QueryOptions{Level: "WARN"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "b" {
		t.Errorf("level filter returned %v, want single warn entry", entries)
	}
}

func TestQuerySearchFilter(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	insertAt(t, s, now, "info", "connection opened from 10.0.0.5")
	insertAt(t, s, now, "info", "tick completed")
	insertAt(t, s, now, "info", "connection closed")

	entries, err := s.Query(context.Background(), QueryOptions{Search: "connection"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("search filter returned %d entries, want 2", len(entries))
	}

	// LIKE metacharacters in the search term match literally.
	insertAt(t, s, now, "info", "progress 50% done")
	entries, err = s.Query(context.Background(), QueryOptions{Search: "50%"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("literal %% search returned %d entries, want 1", len(entries))
	}
}

func TestQueryTimeWindow(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	insertAt(t, s, now.Add(-48*time.Hour), "info", "old")
	insertAt(t, s, now.Add(-30*time.Minute), "info", "recent")

	entries, err := s.Query(context.Background(), QueryOptions{HoursBack: 1})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "recent" {
		t.Errorf("1h window returned %v, want only the recent entry", entries)
	}

	// Default window is 24 hours.
	entries, err = s.Query(context.Background(), QueryOptions{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("default window returned %d entries, want 1", len(entries))
	}
}

func TestQueryLimitClamp(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	for i := 0; i < 20; i++ {
		insertAt(t, s, now, "info", fmt.Sprintf("entry %d", i))
	}

	entries, err := s.Query(context.Background(), QueryOptions{Limit: 5})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(entries) != 5 {
		t.Errorf("Query(limit=5) returned %d entries, want 5", len(entries))
	}

	entries, err = s.Query(context.Background(), QueryOptions{Limit: 100000})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(entries) > MaxQueryLimit {
		t.Errorf("Query(limit=100000) returned %d entries, want <= %d", len(entries), MaxQueryLimit)
	}
}

func TestCleanup(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	insertAt(t, s, now.Add(-10*24*time.Hour), "info", "ancient")
	insertAt(t, s, now.Add(-8*24*time.Hour), "info", "old")
	insertAt(t, s, now, "info", "fresh")

	removed, err := s.Cleanup(context.Background(), 7*24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("Cleanup() removed = %d, want 2", removed)
	}

	entries, err := s.Query(context.Background(), QueryOptions{HoursBack: 24 * 365})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "fresh" {
		t.Errorf("after cleanup entries = %v, want only the fresh one", entries)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/logs.db"

	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("first Open() error = %v", err)
	}
	insertAt(t, s, time.Now().UTC(), "info", "persisted")
	s.Close()

	// Reopen: migrations are already applied, data survives.
	s, err = Open(context.Background(), path)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	defer s.Close()

	entries, err := s.Query(context.Background(), QueryOptions{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("after reopen entries = %d, want 1", len(entries))
	}
}
