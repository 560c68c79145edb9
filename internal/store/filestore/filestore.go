// Package filestore is a LiveStore kept in a plain directory, one JSON file
// per slot. Other processes may write the same directory; changes are
// picked up with fsnotify.
//
// Layout:
//
//	<dir>/schedules/<slot>.json   versioned document, replaced atomically
//	<dir>/feedback.log            append-only feedback journal
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ChuLiYu/shiftplan/internal/store"
	"github.com/ChuLiYu/shiftplan/internal/store/journal"
	"github.com/ChuLiYu/shiftplan/pkg/types"
)

var log = slog.Default()

const (
	schemaVersion = 1
	docExt        = ".json"
	tmpExt        = ".tmp"

	// DefaultDebounce coalesces bursts of file events into one refresh.
	DefaultDebounce = 50 * time.Millisecond
)

var (
	// ErrInvalidSlot is returned for slot names that are not safe file names.
	ErrInvalidSlot = errors.New("filestore: invalid slot name")
	// ErrIncompatibleVersion is returned for a document written by a newer
	// schema.
	ErrIncompatibleVersion = errors.New("filestore: incompatible document schema version")

	slotPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// fileDoc is the on-disk envelope.
type fileDoc struct {
	SchemaVer int                    `json:"schema_ver"`
	Document  types.ScheduleDocument `json:"document"`
}

// Store is a directory-backed LiveStore.
type Store struct {
	dir      string
	docsDir  string
	debounce time.Duration

	hub      *store.Hub
	watcher  *fsnotify.Watcher
	feedback *journal.Journal

	mu        sync.Mutex // serializes local upserts
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open prepares dir and starts watching it. debounce <= 0 uses
// DefaultDebounce.
func Open(dir string, debounce time.Duration) (*Store, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	docsDir := filepath.Join(dir, "schedules")
	if err := os.MkdirAll(docsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	fb, err := journal.Open(filepath.Join(dir, "feedback.log"), true)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		fb.Close()
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(docsDir); err != nil {
		w.Close()
		fb.Close()
		return nil, fmt.Errorf("watch %s: %w", docsDir, err)
	}

	s := &Store{
		dir:      dir,
		docsDir:  docsDir,
		debounce: debounce,
		hub:      store.NewHub(),
		watcher:  w,
		feedback: fb,
		stopCh:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.watchLoop()

	log.Info("filestore.opened", "dir", dir)
	return s, nil
}

// Upsert implements store.LiveStore.
func (s *Store) Upsert(ctx context.Context, doc types.ScheduleDocument) (types.ScheduleDocument, error) {
	if s.isClosed() {
		return types.ScheduleDocument{}, store.ErrClosed
	}
	slot := doc.Slot
	if slot == "" {
		slot = types.DefaultSlot
	}
	if !slotPattern.MatchString(slot) {
		return types.ScheduleDocument{}, fmt.Errorf("%w: %q", ErrInvalidSlot, slot)
	}
	if err := ctx.Err(); err != nil {
		return types.ScheduleDocument{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	prev, err := s.readDoc(s.docPath(slot))
	switch {
	case err == nil:
		current = prev.Version
	case errors.Is(err, os.ErrNotExist):
	default:
		return types.ScheduleDocument{}, err
	}

	out := store.Normalize(doc, current+1, time.Now())
	if err := s.writeDoc(out); err != nil {
		return types.ScheduleDocument{}, err
	}

	log.Debug("filestore.upsert", "slot", out.Slot, "version", out.Version, "shifts", len(out.Schedule))
	s.refresh(ctx)
	return out, nil
}

// List implements store.LiveStore.
func (s *Store) List(ctx context.Context) ([]types.ScheduleDocument, error) {
	if s.isClosed() {
		return nil, store.ErrClosed
	}
	entries, err := os.ReadDir(s.docsDir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.docsDir, err)
	}

	docs := []types.ScheduleDocument{}
	for _, e := range entries {
		if e.IsDir() || !isDocFile(e.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := s.readDoc(filepath.Join(s.docsDir, e.Name()))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Slot < docs[j].Slot })
	return docs, nil
}

// Subscribe implements store.LiveStore.
func (s *Store) Subscribe(ctx context.Context) (<-chan store.Update, error) {
	return s.hub.Subscribe(ctx, s.List)
}

// AppendFeedback implements store.LiveStore.
func (s *Store) AppendFeedback(ctx context.Context, rec types.FeedbackRecord) error {
	if s.isClosed() {
		return store.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	seq, err := s.feedback.Append(rec)
	if err != nil {
		return err
	}
	log.Debug("filestore.feedback", "seq", seq, "id", rec.ID)
	return nil
}

// Feedback replays the feedback journal.
func (s *Store) Feedback(ctx context.Context) ([]types.FeedbackRecord, error) {
	var out []types.FeedbackRecord
	err := s.feedback.Replay(func(e journal.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rec types.FeedbackRecord
		if err := json.Unmarshal(e.Payload, &rec); err != nil {
			return fmt.Errorf("decode feedback seq=%d: %w", e.Seq, err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// Close stops watching and closes subscriptions and the journal.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		err = s.watcher.Close()
		s.wg.Wait()
		s.hub.Close()
		if ferr := s.feedback.Close(); err == nil {
			err = ferr
		}
	})
	return err
}

// ============================================================================
// 檔案存取
// ============================================================================

func (s *Store) docPath(slot string) string {
	return filepath.Join(s.docsDir, slot+docExt)
}

func isDocFile(name string) bool {
	return strings.HasSuffix(name, docExt) && !strings.HasPrefix(name, ".")
}

func (s *Store) readDoc(path string) (types.ScheduleDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.ScheduleDocument{}, err
	}
	var fd fileDoc
	if err := json.Unmarshal(raw, &fd); err != nil {
		return types.ScheduleDocument{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if fd.SchemaVer != schemaVersion {
		return types.ScheduleDocument{}, fmt.Errorf("%w: %s has %d, want %d", ErrIncompatibleVersion, filepath.Base(path), fd.SchemaVer, schemaVersion)
	}
	if fd.Document.Slot == "" {
		fd.Document.Slot = strings.TrimSuffix(filepath.Base(path), docExt)
	}
	if fd.Document.Schedule == nil {
		fd.Document.Schedule = []types.Shift{}
	}
	return fd.Document, nil
}

// writeDoc writes to a hidden temp file and renames it over the target.
func (s *Store) writeDoc(doc types.ScheduleDocument) error {
	raw, err := json.MarshalIndent(fileDoc{SchemaVer: schemaVersion, Document: doc}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	target := s.docPath(doc.Slot)
	tmp := filepath.Join(s.docsDir, "."+doc.Slot+docExt+tmpExt)
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write temp document: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename document: %w", err)
	}
	return nil
}

func (s *Store) isClosed() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Store) refresh(ctx context.Context) {
	docs, err := s.List(ctx)
	if err != nil {
		log.Warn("filestore.refresh_failed", "error", err)
		return
	}
	s.hub.Publish(docs)
}

// ============================================================================
// 監看迴圈
// ============================================================================

func (s *Store) watchLoop() {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	pending := false

	for {
		select {
		case <-s.stopCh:
			return

		case e, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !isDocFile(filepath.Base(e.Name)) {
				continue
			}
			if e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if !pending {
				pending = true
				timer.Reset(s.debounce)
			}

		case <-timer.C:
			pending = false
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.refresh(ctx)
			cancel()

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Error("filestore.watch_error", "error", err)
		}
	}
}
