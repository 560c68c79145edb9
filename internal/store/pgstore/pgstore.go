// Package pgstore is a LiveStore on PostgreSQL. Upserts send a NOTIFY in
// the writing transaction; every Store LISTENs on the channel and republishes
// the document list, so writers in other processes are seen as pushes.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ChuLiYu/shiftplan/internal/store"
	"github.com/ChuLiYu/shiftplan/pkg/types"
)

// DefaultChannel is the NOTIFY channel used when Config.Channel is empty.
const DefaultChannel = "shiftplan_schedules"

const schema = `
CREATE TABLE IF NOT EXISTS schedules (
	slot       TEXT PRIMARY KEY,
	version    BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	schedule   JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS feedback (
	id          TEXT PRIMARY KEY,
	action      TEXT NOT NULL,
	selected_id TEXT NOT NULL,
	rejected_id TEXT NOT NULL,
	shift_data  JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);`

// Config holds the connection settings.
type Config struct {
	DSN         string
	MaxConns    int32
	MinConns    int32
	DialTimeout time.Duration
	Channel     string
}

// Store is a PostgreSQL-backed LiveStore.
type Store struct {
	pool    *pgxpool.Pool
	hub     *store.Hub
	channel string
	logger  *slog.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// Open connects, creates the tables and starts listening.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Error("pgstore.parse_dsn_failed", "error", err)
		return nil, err
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "shiftplan"

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		logger.Error("pgstore.connect_failed", "error", err)
		return nil, err
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(dialCtx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	listenCtx, stop := context.WithCancel(context.Background())
	s := &Store{
		pool:    pool,
		hub:     store.NewHub(),
		channel: cfg.Channel,
		logger:  logger,
		cancel:  stop,
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
	ready := make(chan error, 1)
	go s.listenLoop(listenCtx, ready)
	if err := <-ready; err != nil {
		s.Close()
		return nil, err
	}

	logger.Info("pgstore.opened", "channel", cfg.Channel)
	return s, nil
}

// Upsert implements store.LiveStore.
func (s *Store) Upsert(ctx context.Context, doc types.ScheduleDocument) (types.ScheduleDocument, error) {
	if s.isClosed() {
		return types.ScheduleDocument{}, store.ErrClosed
	}

	var out types.ScheduleDocument
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		slot := doc.Slot
		if slot == "" {
			slot = types.DefaultSlot
		}
		var current int64
		err := tx.QueryRow(ctx, `SELECT version FROM schedules WHERE slot = $1 FOR UPDATE`, slot).Scan(&current)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("read version: %w", err)
		}

		out = store.Normalize(doc, current+1, time.Now())
		shifts, err := json.Marshal(out.Schedule)
		if err != nil {
			return fmt.Errorf("encode schedule: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO schedules (slot, version, updated_at, schedule) VALUES ($1, $2, $3, $4::jsonb)
			ON CONFLICT (slot) DO UPDATE SET
				version = EXCLUDED.version,
				updated_at = EXCLUDED.updated_at,
				schedule = EXCLUDED.schedule`,
			out.Slot, out.Version, out.UpdatedAt, string(shifts))
		if err != nil {
			return fmt.Errorf("write schedule: %w", err)
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, out.Slot); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		return nil
	})
	if err != nil {
		return types.ScheduleDocument{}, err
	}

	s.logger.Debug("pgstore.upsert", "slot", out.Slot, "version", out.Version)
	return out, nil
}

// List implements store.LiveStore.
func (s *Store) List(ctx context.Context) ([]types.ScheduleDocument, error) {
	if s.isClosed() {
		return nil, store.ErrClosed
	}
	rows, err := s.pool.Query(ctx, `SELECT slot, version, updated_at, schedule FROM schedules ORDER BY slot`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	docs := []types.ScheduleDocument{}
	for rows.Next() {
		var (
			doc    types.ScheduleDocument
			shifts []byte
		)
		if err := rows.Scan(&doc.Slot, &doc.Version, &doc.UpdatedAt, &shifts); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		doc.UpdatedAt = doc.UpdatedAt.UTC()
		if err := json.Unmarshal(shifts, &doc.Schedule); err != nil {
			return nil, fmt.Errorf("decode schedule %s: %w", doc.Slot, err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO feedback (id, action, selected_id, rejected_id, shift_data, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)`,
		rec.ID, rec.Action, rec.SelectedID, rec.RejectedID, string(shift), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("write feedback: %w", err)
	}
	return nil
}

// Close stops listening, closes subscriptions and the pool.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		<-s.done
		s.hub.Close()
		s.pool.Close()
	})
	return nil
}

func (s *Store) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Store) refresh(ctx context.Context) {
	docs, err := s.List(ctx)
	if err != nil {
		s.logger.Warn("pgstore.refresh_failed", "error", err)
		return
	}
	s.hub.Publish(docs)
}

// listenLoop holds one pooled connection in LISTEN mode. A lost connection
// is re-acquired with backoff; the list is refreshed after each reconnect
// since notifications may have been missed.
func (s *Store) listenLoop(ctx context.Context, ready chan<- error) {
	defer close(s.done)

	backoff := 100 * time.Millisecond
	first := true
	for {
		err := s.listenOnce(ctx, func() {
			if first {
				first = false
				ready <- nil
			} else {
				s.refresh(ctx)
			}
			backoff = 100 * time.Millisecond
		})
		if ctx.Err() != nil {
			if first {
				ready <- ctx.Err()
			}
			return
		}
		if first {
			ready <- err
			return
		}
		s.logger.Warn("pgstore.listen_lost", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

func (s *Store) listenOnce(ctx context.Context, onListening func()) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	onListening()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.logger.Debug("pgstore.notification", "channel", n.Channel, "slot", n.Payload)
		s.refresh(ctx)
	}
}
