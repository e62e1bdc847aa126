package history

import (
	"context"
	"path/filepath"
	"testing"

	"pkt.systems/nbkernel/schema"
)

func TestAppendAndRecent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = store.Close() }()

	codes := []string{"1+1", "x := 2", "fail()"}
	for i, code := range codes {
		status := schema.ReplyOK
		if i == 2 {
			status = schema.ReplyError
		}
		if err := store.Append(ctx, Entry{Session: "s1", ExecutionCount: i + 1, Code: code, Status: status}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Code != "x := 2" || entries[1].Code != "fail()" {
		t.Fatalf("expected oldest-first tail, got %+v", entries)
	}
	if entries[1].Status != schema.ReplyError || entries[1].ExecutionCount != 3 {
		t.Fatalf("unexpected last entry %+v", entries[1])
	}
	if entries[0].CreatedAt.IsZero() {
		t.Fatal("expected created_at to be set")
	}
}

func TestReopenKeepsEntries(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Append(ctx, Entry{Session: "s1", ExecutionCount: 1, Code: "1", Status: schema.ReplyOK}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = store.Close() }()
	entries, err := store.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Session != "s1" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
