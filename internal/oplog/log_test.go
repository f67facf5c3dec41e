package oplog

import (
	"testing"
	"time"

	"github.com/sylphxai/lens/internal/codec"
)

func entry(key string, version int64) Entry {
	return Entry{
		EntityKey: key,
		Version:   version,
		Timestamp: time.Now(),
		Patch:     []codec.PatchOp{{Op: "replace", Path: "/title", Value: "x"}},
	}
}

func TestGetSinceReturnsContiguousEntries(t *testing.T) {
	l := New(DefaultConfig())
	l.Append(entry("Post:p1", 1))
	l.Append(entry("Post:p1", 2))
	l.Append(entry("Post:p1", 3))
	l.Append(entry("Post:p1", 4))

	entries, ok := l.GetSince("Post:p1", 1)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Version != 2 || entries[len(entries)-1].Version != 4 {
		t.Fatalf("unexpected versions: %+v", entries)
	}
}

func TestGetSinceReturnsFalseWhenEvicted(t *testing.T) {
	l := New(Config{MaxEntries: 2})
	l.Append(entry("Post:p1", 1))
	l.Append(entry("Post:p1", 2))
	l.Append(entry("Post:p1", 3)) // evicts version 1

	_, ok := l.GetSince("Post:p1", 0)
	if ok {
		t.Fatal("expected ok=false once the requested range has been evicted")
	}
}

func TestGlobalEvictionSharedAcrossKeys(t *testing.T) {
	l := New(Config{MaxEntries: 2})
	l.Append(entry("Post:p1", 1))
	l.Append(entry("Post:p2", 1))
	l.Append(entry("Post:p3", 1)) // evicts Post:p1's only entry globally

	if _, ok := l.GetSince("Post:p1", 0); ok {
		t.Fatal("expected Post:p1 entries to have been evicted by global budget")
	}
	if _, ok := l.GetSince("Post:p3", 0); !ok {
		t.Fatal("expected Post:p3 entries to remain")
	}
}

func TestGetStats(t *testing.T) {
	l := New(DefaultConfig())
	l.Append(entry("Post:p1", 1))
	l.Append(entry("Post:p2", 1))

	stats := l.GetStats()
	if stats.Keys != 2 || stats.Entries != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Bytes <= 0 {
		t.Fatal("expected positive byte estimate")
	}
}
