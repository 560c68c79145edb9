// Package store defines the live document store the coordinator subscribes
// to, plus the fan-out shared by every backend.
//
// A backend persists schedule documents keyed by slot and pushes the full
// document list to subscribers whenever anything changes, whether the
// change came from this process or another writer.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/shiftplan/pkg/types"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")
	// ErrNotFound is returned by Get for an unknown slot.
	ErrNotFound = errors.New("store: document not found")
)

// Update is one push from a subscription: either the full current document
// list or a terminal error.
type Update struct {
	Docs []types.ScheduleDocument
	Err  error
}

// LiveStore is a push-based schedule document store.
type LiveStore interface {
	// Upsert writes doc under doc.Slot (DefaultSlot when empty), assigns the
	// next version for that slot and stamps UpdatedAt when zero. The stored
	// document is returned.
	Upsert(ctx context.Context, doc types.ScheduleDocument) (types.ScheduleDocument, error)

	// List returns every stored document ordered by slot.
	List(ctx context.Context) ([]types.ScheduleDocument, error)

	// Subscribe pushes the full list on every change. The first update is
	// the current contents. Updates are conflated: a slow reader only sees
	// the latest list. The channel closes when ctx ends or the store closes.
	Subscribe(ctx context.Context) (<-chan Update, error)

	// AppendFeedback records one user preference signal.
	AppendFeedback(ctx context.Context, rec types.FeedbackRecord) error

	Close() error
}

// Normalize fills the slot and timestamp an Upsert needs and returns the
// document with version set to next.
func Normalize(doc types.ScheduleDocument, next int64, now time.Time) types.ScheduleDocument {
	out := doc.Clone()
	if out.Slot == "" {
		out.Slot = types.DefaultSlot
	}
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = now.UTC()
	}
	if out.Schedule == nil {
		out.Schedule = []types.Shift{}
	}
	out.Version = next
	return out
}
