// Package storetest holds the behaviour every store.LiveStore backend must
// share. Backends call Run from their own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/shiftplan/internal/store"
	"github.com/ChuLiYu/shiftplan/pkg/types"
)

// Wait is how long Next waits for a push.
const Wait = 3 * time.Second

// Factory opens a fresh, empty store. The returned store is closed by Run.
type Factory func(t *testing.T) store.LiveStore

// Doc builds a one-shift document for slot.
func Doc(slot, shiftID, employeeID string) types.ScheduleDocument {
	return types.ScheduleDocument{
		Slot: slot,
		Schedule: []types.Shift{{
			ID:         shiftID,
			EmployeeID: employeeID,
			Date:       "2026-03-02",
			StartTime:  "08:00",
			EndTime:    "16:00",
		}},
	}
}

// Next reads one update or fails the test after Wait.
func Next(t *testing.T, ch <-chan store.Update) store.Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return u
	case <-time.After(Wait):
		t.Fatal("no update within timeout")
		return store.Update{}
	}
}

// WaitFor reads updates until match accepts one.
func WaitFor(t *testing.T, ch <-chan store.Update, match func([]types.ScheduleDocument) bool) []types.ScheduleDocument {
	t.Helper()
	deadline := time.After(Wait)
	for {
		select {
		case u, ok := <-ch:
			require.True(t, ok, "subscription closed")
			require.NoError(t, u.Err)
			if match(u.Docs) {
				return u.Docs
			}
		case <-deadline:
			t.Fatal("expected update never arrived")
			return nil
		}
	}
}

// Run exercises the shared LiveStore behaviour.
func Run(t *testing.T, open Factory) {
	t.Run("UpsertAssignsVersions", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		first, err := s.Upsert(ctx, Doc("", "s1", "e1"))
		require.NoError(t, err)
		assert.Equal(t, types.DefaultSlot, first.Slot)
		assert.Equal(t, int64(1), first.Version)
		assert.False(t, first.UpdatedAt.IsZero())

		second, err := s.Upsert(ctx, Doc(types.DefaultSlot, "s1", "e2"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), second.Version)

		other, err := s.Upsert(ctx, Doc("draft", "s9", "e1"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), other.Version, "versions are per slot")

		docs, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, types.DefaultSlot, docs[0].Slot)
		assert.Equal(t, "e2", docs[0].Schedule[0].EmployeeID)
		assert.Equal(t, "draft", docs[1].Slot)
	})

	t.Run("ListEmpty", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		docs, err := s.List(context.Background())
		require.NoError(t, err)
		assert.NotNil(t, docs)
		assert.Empty(t, docs)
	})

	t.Run("SubscribeFirstEmissionIsCurrent", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		_, err := s.Upsert(ctx, Doc("", "s1", "e1"))
		require.NoError(t, err)

		ch, err := s.Subscribe(ctx)
		require.NoError(t, err)
		u := Next(t, ch)
		require.NoError(t, u.Err)
		require.Len(t, u.Docs, 1)
		assert.Equal(t, "s1", u.Docs[0].Schedule[0].ID)
	})

	t.Run("SubscribePushesUpserts", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ch, err := s.Subscribe(ctx)
		require.NoError(t, err)
		first := Next(t, ch)
		require.NoError(t, first.Err)
		assert.Empty(t, first.Docs)

		_, err = s.Upsert(ctx, Doc("", "s1", "e1"))
		require.NoError(t, err)

		docs := WaitFor(t, ch, func(d []types.ScheduleDocument) bool { return len(d) == 1 })
		assert.Equal(t, int64(1), docs[0].Version)
	})

	t.Run("SubscriptionEndsWithContext", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx, cancel := context.WithCancel(context.Background())

		ch, err := s.Subscribe(ctx)
		require.NoError(t, err)
		Next(t, ch)
		cancel()

		select {
		case _, ok := <-ch:
			assert.False(t, ok)
		case <-time.After(Wait):
			t.Fatal("subscription not closed after cancel")
		}
	})

	t.Run("CloseEndsSubscriptions", func(t *testing.T) {
		s := open(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ch, err := s.Subscribe(ctx)
		require.NoError(t, err)
		Next(t, ch)
		require.NoError(t, s.Close())

		select {
		case _, ok := <-ch:
			assert.False(t, ok)
		case <-time.After(Wait):
			t.Fatal("subscription not closed after Close")
		}

		_, err = s.Upsert(ctx, Doc("", "s1", "e1"))
		assert.ErrorIs(t, err, store.ErrClosed)
	})

	t.Run("AppendFeedback", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		err := s.AppendFeedback(context.Background(), types.FeedbackRecord{
			ID:         "f1",
			Action:     "select",
			SelectedID: "e2",
			RejectedID: "e1",
			ShiftData:  Doc("", "s1", "e2").Schedule[0],
			CreatedAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		})
		assert.NoError(t, err)
	})
}
