// Package sqlitestore is an embedded LiveStore on SQLite.
//
// Writes made through this Store are pushed to subscribers immediately.
// Writes from other processes are picked up by polling PRAGMA data_version,
// which changes only when another connection commits.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/shiftplan/internal/store"
	"github.com/ChuLiYu/shiftplan/pkg/types"
)

var log = slog.Default()

const schema = `
CREATE TABLE IF NOT EXISTS schedules (
	slot       TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	schedule   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS feedback (
	id          TEXT PRIMARY KEY,
	action      TEXT NOT NULL,
	selected_id TEXT NOT NULL,
	rejected_id TEXT NOT NULL,
	shift_data  TEXT NOT NULL,
	created_at  TEXT NOT NULL
);`

// DefaultPollInterval is how often data_version is checked.
const DefaultPollInterval = 500 * time.Millisecond

// Store is a SQLite-backed LiveStore.
type Store struct {
	db   *sql.DB
	hub  *store.Hub
	path string

	pollInterval time.Duration
	lastVersion  int64

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open creates or opens the database at path and starts the change poller.
// pollInterval <= 0 uses DefaultPollInterval.
func Open(path string, pollInterval time.Duration) (*Store, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: data_version then only moves for other processes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlitestore.pragma_failed", "pragma", pragma, "error", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{
		db:           db,
		hub:          store.NewHub(),
		path:         path,
		pollInterval: pollInterval,
		stopCh:       make(chan struct{}),
	}
	if s.lastVersion, err = s.dataVersion(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.pollLoop()

	log.Info("sqlitestore.opened", "path", path, "poll_interval", pollInterval)
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.ScheduleDocument{}, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM schedules WHERE slot = ?`, slot).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return types.ScheduleDocument{}, fmt.Errorf("read version: %w", err)
	}

	out := store.Normalize(doc, current+1, time.Now())
	shifts, err := json.Marshal(out.Schedule)
	if err != nil {
		return types.ScheduleDocument{}, fmt.Errorf("encode schedule: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO schedules (slot, version, updated_at, schedule) VALUES (?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			version = excluded.version,
			updated_at = excluded.updated_at,
			schedule = excluded.schedule`,
		out.Slot, out.Version, out.UpdatedAt.Format(time.RFC3339Nano), string(shifts))
	if err != nil {
		return types.ScheduleDocument{}, fmt.Errorf("write schedule: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return types.ScheduleDocument{}, fmt.Errorf("commit upsert: %w", err)
	}

	log.Debug("sqlitestore.upsert", "slot", out.Slot, "version", out.Version, "shifts", len(out.Schedule))
	s.refresh(ctx)
	return out, nil
}

// List implements store.LiveStore.
func (s *Store) List(ctx context.Context) ([]types.ScheduleDocument, error) {
	if s.isClosed() {
		return nil, store.ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT slot, version, updated_at, schedule FROM schedules ORDER BY slot`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	docs := []types.ScheduleDocument{}
	for rows.Next() {
		var (
			doc       types.ScheduleDocument
			updatedAt string
			shifts    string
		)
		if err := rows.Scan(&doc.Slot, &doc.Version, &updatedAt, &shifts); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if doc.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at for %s: %w", doc.Slot, err)
		}
		if err := json.Unmarshal([]byte(shifts), &doc.Schedule); err != nil {
			return nil, fmt.Errorf("decode schedule %s: %w", doc.Slot, err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Get returns the document stored under slot.
func (s *Store) Get(ctx context.Context, slot string) (types.ScheduleDocument, error) {
	docs, err := s.List(ctx)
	if err != nil {
		return types.ScheduleDocument{}, err
	}
	for _, d := range docs {
		if d.Slot == slot {
			return d, nil
		}
	}
	return types.ScheduleDocument{}, store.ErrNotFound
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
	shift, err := json.Marshal(rec.ShiftData)
	if err != nil {
		return fmt.Errorf("encode shift data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO feedback (id, action, selected_id, rejected_id, shift_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Action, rec.SelectedID, rec.RejectedID, string(shift), rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write feedback: %w", err)
	}
	return nil
}

// Feedback returns every recorded feedback entry, oldest first.
func (s *Store) Feedback(ctx context.Context) ([]types.FeedbackRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, selected_id, rejected_id, shift_data, created_at
		FROM feedback ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	var out []types.FeedbackRecord
	for rows.Next() {
		var (
			rec       types.FeedbackRecord
			shift     string
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.Action, &rec.SelectedID, &rec.RejectedID, &shift, &createdAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		if err := json.Unmarshal([]byte(shift), &rec.ShiftData); err != nil {
			return nil, fmt.Errorf("decode shift data: %w", err)
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close stops the poller, closes subscriptions and the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.hub.Close()
		err = s.db.Close()
	})
	return err
}

func (s *Store) isClosed() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Store) dataVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read data_version: %w", err)
	}
	return v, nil
}

// refresh lists the documents and publishes them.
func (s *Store) refresh(ctx context.Context) {
	docs, err := s.List(ctx)
	if err != nil {
		log.Warn("sqlitestore.refresh_failed", "error", err)
		return
	}
	s.hub.Publish(docs)
}

// pollLoop publishes when another process commits to the database.
func (s *Store) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			v, err := s.dataVersion(ctx)
			if err != nil {
				cancel()
				log.Warn("sqlitestore.poll_failed", "error", err)
				continue
			}
			if v != s.lastVersion {
				s.lastVersion = v
				log.Debug("sqlitestore.external_change", "data_version", v)
				s.refresh(ctx)
			}
			cancel()
		}
	}
}
