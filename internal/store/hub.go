package store

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/ChuLiYu/shiftplan/pkg/types"
)

// Hub fans document lists out to subscribers. Every subscriber channel has
// capacity one and only ever holds the newest update.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	last   string // signature of the last broadcast list
	closed bool
}

type subscriber struct {
	ch        chan Update
	quit      chan struct{}
	delivered bool // a broadcast reached this subscriber
	done      bool
}

// drop closes the subscriber; callers hold the hub lock.
func (s *subscriber) drop() {
	if s.done {
		return
	}
	s.done = true
	close(s.ch)
	close(s.quit)
}

const noBroadcast = "\x00"

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{}), last: noBroadcast}
}

// Subscribe registers a subscriber and seeds it with the result of list.
// list runs after registration so no change between the read and the
// registration can be missed; if a broadcast already reached the
// subscriber, the seed is discarded as older.
func (h *Hub) Subscribe(ctx context.Context, list func(context.Context) ([]types.ScheduleDocument, error)) (<-chan Update, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	sub := &subscriber{ch: make(chan Update, 1), quit: make(chan struct{})}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	docs, err := list(ctx)
	if err != nil {
		h.remove(sub)
		return nil, err
	}

	h.mu.Lock()
	if !sub.delivered && !sub.done {
		sub.ch <- Update{Docs: cloneDocs(docs)}
	}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			h.remove(sub)
		case <-sub.quit:
		}
	}()
	return sub.ch, nil
}

// Publish sends docs to every subscriber unless the list is identical (by
// slot and version) to the previous broadcast.
func (h *Hub) Publish(docs []types.ScheduleDocument) {
	sig := signature(docs)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || sig == h.last {
		return
	}
	h.last = sig
	for sub := range h.subs {
		sub.delivered = true
		replace(sub.ch, Update{Docs: cloneDocs(docs)})
	}
}

// Fail pushes err to every subscriber and drops them.
func (h *Hub) Fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		replace(sub.ch, Update{Err: err})
		sub.drop()
		delete(h.subs, sub)
	}
	h.last = noBroadcast
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later Subscribe calls fail with
// ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		sub.drop()
		delete(h.subs, sub)
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	sub.drop()
	delete(h.subs, sub)
}

// replace drops a pending update before sending u. The hub lock is held by
// every sender, so the send cannot block.
func replace(ch chan Update, u Update) {
	select {
	case <-ch:
	default:
	}
	ch <- u
}

func signature(docs []types.ScheduleDocument) string {
	var b strings.Builder
	for _, d := range docs {
		b.WriteString(d.Slot)
		b.WriteByte('@')
		b.WriteString(strconv.FormatInt(d.Version, 10))
		b.WriteByte(';')
	}
	return b.String()
}

func cloneDocs(docs []types.ScheduleDocument) []types.ScheduleDocument {
	out := make([]types.ScheduleDocument, len(docs))
	for i, d := range docs {
		out[i] = d.Clone()
	}
	return out
}
