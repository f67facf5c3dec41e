// Package oplog implements the bounded per-entity operation log from
// spec.md §4.2: an append-only history of patches per EntityKey, evicted
// under a single shared budget so a noisy entity can't starve quiet
// ones.
package oplog

import (
	"container/list"
	"sync"
	"time"

	"github.com/sylphxai/lens/internal/codec"
)

// Entry is one recorded state-changing emit for a single EntityKey.
type Entry struct {
	EntityKey string
	Version   int64
	Timestamp time.Time
	Patch     []codec.PatchOp
	patchSize int
}

// Config bounds the log: whichever of these binds first triggers
// eviction. Zero means "no bound" for that dimension.
type Config struct {
	MaxEntries int
	MaxBytes   int
	MaxAge     time.Duration
}

// DefaultConfig matches the reference implementation's defaults: ten
// thousand entries, 8 MiB, capped at an hour of history.
func DefaultConfig() Config {
	return Config{
		MaxEntries: 10000,
		MaxBytes:   8 << 20,
		MaxAge:     time.Hour,
	}
}

// record wraps an Entry with its position in the global eviction queue.
type record struct {
	entry     Entry
	globalElt *list.Element // element in Log.global
}

// Log is the operation log for all entities, sharing one eviction
// budget. Safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	cfg    Config
	perKey map[string]*list.List // EntityKey -> *list.List of *record, oldest at Front
	global *list.List            // *record, oldest at Front, spans all keys
	bytes  int
}

func New(cfg Config) *Log {
	return &Log{
		cfg:    cfg,
		perKey: make(map[string]*list.List),
		global: list.New(),
	}
}

func estimateSize(e Entry) int {
	size := len(e.EntityKey) + 24
	for _, op := range e.Patch {
		size += len(op.Op) + len(op.Path) + 16
	}
	return size
}

// Append records entry and evicts the oldest entries (across all keys)
// until the configured bounds hold.
func (l *Log) Append(entry Entry) {
	entry.patchSize = estimateSize(entry)

	l.mu.Lock()
	defer l.mu.Unlock()

	keyList, ok := l.perKey[entry.EntityKey]
	if !ok {
		keyList = list.New()
		l.perKey[entry.EntityKey] = keyList
	}

	rec := &record{entry: entry}
	keyElt := keyList.PushBack(rec)
	_ = keyElt
	rec.globalElt = l.global.PushBack(rec)
	l.bytes += entry.patchSize

	l.evictLocked()
}

func (l *Log) evictLocked() {
	now := time.Now()
	for l.global.Len() > 0 {
		oldest := l.global.Front().Value.(*record)

		overCount := l.cfg.MaxEntries > 0 && l.global.Len() > l.cfg.MaxEntries
		overBytes := l.cfg.MaxBytes > 0 && l.bytes > l.cfg.MaxBytes
		overAge := l.cfg.MaxAge > 0 && now.Sub(oldest.entry.Timestamp) > l.cfg.MaxAge

		if !overCount && !overBytes && !overAge {
			return
		}
		l.evictOldestLocked()
	}
}

func (l *Log) evictOldestLocked() {
	elt := l.global.Front()
	if elt == nil {
		return
	}
	rec := elt.Value.(*record)
	l.global.Remove(elt)
	l.bytes -= rec.entry.patchSize

	keyList := l.perKey[rec.entry.EntityKey]
	if keyList == nil {
		return
	}
	for e := keyList.Front(); e != nil; e = e.Next() {
		if e.Value.(*record) == rec {
			keyList.Remove(e)
			break
		}
	}
	if keyList.Len() == 0 {
		delete(l.perKey, rec.entry.EntityKey)
	}
}

// GetSince returns all entries for entityKey with Version > fromVersion,
// or (nil, false) if any entry in that range has already been evicted —
// the caller must then fall back to a full snapshot.
func (l *Log) GetSince(entityKey string, fromVersion int64) ([]Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	keyList, ok := l.perKey[entityKey]
	if !ok || keyList.Len() == 0 {
		// No history retained for this key at all (never logged, or
		// every entry for it has been evicted) — can't serve a replay,
		// caller must fall back to a snapshot.
		return nil, false
	}

	oldest := keyList.Front().Value.(*record).entry
	if oldest.Version > fromVersion+1 {
		return nil, false
	}

	var out []Entry
	for e := keyList.Front(); e != nil; e = e.Next() {
		rec := e.Value.(*record)
		if rec.entry.Version > fromVersion {
			out = append(out, rec.entry)
		}
	}
	return out, true
}

// Stats reports aggregate counts and byte usage.
type Stats struct {
	Keys    int
	Entries int
	Bytes   int
}

func (l *Log) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Keys:    len(l.perKey),
		Entries: l.global.Len(),
		Bytes:   l.bytes,
	}
}
