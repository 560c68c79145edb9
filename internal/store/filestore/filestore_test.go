package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/shiftplan/internal/store"
	"github.com/ChuLiYu/shiftplan/internal/store/storetest"
	"github.com/ChuLiYu/shiftplan/pkg/types"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), 5*time.Millisecond)
	require.NoError(t, err)
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.LiveStore { return openTemp(t) })
}

func TestExternalWriterIsPushed(t *testing.T) {
	dir := t.TempDir()
	reader, err := Open(dir, 5*time.Millisecond)
	require.NoError(t, err)
	defer reader.Close()

	writer, err := Open(dir, time.Hour)
	require.NoError(t, err)
	defer writer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := reader.Subscribe(ctx)
	require.NoError(t, err)
	storetest.Next(t, ch)

	_, err = writer.Upsert(ctx, storetest.Doc("", "s1", "e7"))
	require.NoError(t, err)

	docs := storetest.WaitFor(t, ch, func(d []types.ScheduleDocument) bool { return len(d) == 1 })
	assert.Equal(t, "e7", docs[0].Schedule[0].EmployeeID)
	assert.Equal(t, int64(1), docs[0].Version)
}

func TestUpsertIsAtomicFile(t *testing.T) {
	s := openTemp(t)
	defer s.Close()

	_, err := s.Upsert(context.Background(), storetest.Doc("", "s1", "e1"))
	require.NoError(t, err)

	entries, err := os.ReadDir(s.docsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
	assert.Equal(t, "current.json", entries[0].Name())
}

func TestInvalidSlot(t *testing.T) {
	s := openTemp(t)
	defer s.Close()

	_, err := s.Upsert(context.Background(), storetest.Doc("../escape", "s1", "e1"))
	assert.ErrorIs(t, err, ErrInvalidSlot)
}

func TestIncompatibleSchema(t *testing.T) {
	s := openTemp(t)
	defer s.Close()

	path := filepath.Join(s.docsDir, "current.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver":99,"document":{}}`), 0o644))

	_, err := s.List(context.Background())
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestFeedbackRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 0)
	require.NoError(t, err)

	rec := types.FeedbackRecord{
		ID:         "f1",
		Action:     "select",
		SelectedID: "e2",
		RejectedID: "e1",
		ShiftData:  storetest.Doc("", "s1", "e2").Schedule[0],
		CreatedAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.AppendFeedback(context.Background(), rec))
	require.NoError(t, s.Close())

	s, err = Open(dir, 0)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Feedback(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.FeedbackRecord{rec}, got)
}
