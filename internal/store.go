package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"
)

// ErrNotFound is returned by Store lookups that find nothing.
var ErrNotFound = errors.New("internal: record not found")

// Store is the typed CRUD contract over the three catalog collections
// the engine touches: Downloads, Movies, Episodes. The catalog itself
// is an external collaborator; this interface is what a concrete
// backing store (SQLiteStore, or a test's MemStore) implements against.
//
// UpdateDownload and UpdateItemDownload are kept as two operations
// rather than one update call with a map-shaped special case: "patch a
// Download record" and "merge into an item's embedded download
// sub-document" don't translate cleanly into a single statically typed
// merge.
type Store interface {
	FindDownload(ctx context.Context, id string) (*Download, error)
	FindPending(ctx context.Context) ([]*Download, error)
	FindItem(ctx context.Context, d *Download) (*Item, error)

	// UpdateDownload shallow-merges patch onto the Download record
	// identified by id and persists it, always stamping UpdatedAt.
	UpdateDownload(ctx context.Context, id string, patch map[string]any) (*Download, error)

	// UpdateItemDownload merges patch into the item's embedded
	// download sub-document (never replaces the item wholesale).
	UpdateItemDownload(ctx context.Context, itemType ItemType, itemID string, patch map[string]any) (*Item, error)

	// Delete hard-deletes the Download record. Safe on unknown ids.
	Delete(ctx context.Context, id string) error

	// SaveDownload and SaveItem seed or replace a full record; used by
	// whatever creates records before Queue.AddDownload, and by tests
	// (Queue.AddDownload itself does not save). Outside the core's
	// documented contract but needed by any concrete backing store.
	SaveDownload(ctx context.Context, d *Download) error
	SaveItem(ctx context.Context, item *Item) error
}

// clockFunc is overridable in tests so UpdatedAt stamps are
// deterministic; defaults to time.Now.
type clockFunc func() time.Time

func nowMillis(clock clockFunc) int64 {
	return clock().UnixNano() / int64(time.Millisecond)
}

func defaultClock() time.Time {
	return time.Now()
}

// mergeJSON shallow-merges patch's keys onto dst (a pointer to a
// struct with json tags matching patch's keys) via a JSON round-trip,
// so callers express patches as plain maps without hand-writing a merge
// per field.
func mergeJSON(dst any, patch map[string]any) error {
	b, err := json.Marshal(dst)
	if err != nil {
		return fmt.Errorf("marshal current: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return fmt.Errorf("unmarshal current: %w", err)
	}
	for k, v := range patch {
		vb, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal patch field %q: %w", k, err)
		}
		fields[k] = vb
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal merged: %w", err)
	}
	return json.Unmarshal(merged, dst)
}

// logSaveFailure logs a persistence failure. Callers return the
// unsaved in-memory object rather than propagating the error, so a
// transient store hiccup doesn't crash a worker mid-transition.
func logSaveFailure(op, id string, err error) {
	if err != nil {
		log.Printf("store: %s %s: %v (continuing with in-memory state)", op, id, err)
	}
}
