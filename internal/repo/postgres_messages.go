package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/LeventeLantos/whatsapp-dispatcher/internal/model"
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const messageColumns = `id, destination, body, status, attempts, max_attempts,
	last_error, created_at, updated_at, processed_at, sent_at`

const schemaSQL = `
CREATE TABLE IF NOT EXISTS message_queue (
	id           TEXT PRIMARY KEY,
	destination  TEXT NOT NULL,
	body         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error   TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at TIMESTAMPTZ,
	sent_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS message_queue_created_at_idx ON message_queue (created_at DESC);
CREATE INDEX IF NOT EXISTS message_queue_status_idx ON message_queue (status, updated_at);
`

type PostgresMessageStore struct {
	db DB
}

func NewPostgresMessageStore(db DB) *PostgresMessageStore {
	return &PostgresMessageStore{db: db}
}

func (s *PostgresMessageStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresMessageStore) ListMessages(ctx context.Context, page, pageSize int) ([]model.QueuedMessage, int, error) {
	limit, offset := normalizePage(page, pageSize)

	var total int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM message_queue`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+`
		FROM message_queue
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	return msgs, total, nil
}

func (s *PostgresMessageStore) GetMessages(ctx context.Context, ids []string) ([]model.QueuedMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+`
		FROM message_queue
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	return msgs, nil
}

func (s *PostgresMessageStore) UpdateMessage(ctx context.Context, id string, upd model.MessageUpdate) error {
	if upd.Empty() {
		return errors.New("update message: no fields to update")
	}
	if upd.Status != nil && !upd.Status.Valid() {
		return fmt.Errorf("update message: unknown status %q", *upd.Status)
	}

	args := []any{id}
	var sets []string
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.Attempts != nil {
		add("attempts", *upd.Attempts)
	}
	if upd.LastError != nil {
		add("last_error", *upd.LastError)
	}
	if upd.ProcessedAt != nil {
		add("processed_at", *upd.ProcessedAt)
	}
	if upd.SentAt != nil {
		add("sent_at", *upd.SentAt)
	}
	sets = append(sets, "updated_at = now()")

	query := "UPDATE message_queue SET " + strings.Join(sets, ", ") + " WHERE id = $1"

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update message %s: %w", id, ErrMessageNotFound)
	}
	return nil
}

func (s *PostgresMessageStore) FailStale(ctx context.Context, before time.Time, reason string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE message_queue
		SET status = 'failed',
		    last_error = $2,
		    processed_at = now(),
		    updated_at = now()
		WHERE status = 'sending' AND updated_at < $1
	`, before.UTC(), reason)
	if err != nil {
		return 0, fmt.Errorf("fail stale messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanMessages(rows pgx.Rows) ([]model.QueuedMessage, error) {
	defer rows.Close()

	var out []model.QueuedMessage
	for rows.Next() {
		var m model.QueuedMessage
		var status string
		var lastErr sql.NullString
		var processedAt, sentAt sql.NullTime

		if err := rows.Scan(
			&m.ID,
			&m.Destination,
			&m.Body,
			&status,
			&m.Attempts,
			&m.MaxAttempts,
			&lastErr,
			&m.CreatedAt,
			&m.UpdatedAt,
			&processedAt,
			&sentAt,
		); err != nil {
			return nil, err
		}

		m.Status = model.Status(status)
		if lastErr.Valid {
			s := lastErr.String
			m.LastError = &s
		}
		if processedAt.Valid {
			t := processedAt.Time
			m.ProcessedAt = &t
		}
		if sentAt.Valid {
			t := sentAt.Time
			m.SentAt = &t
		}

		out = append(out, m)
	}
	return out, rows.Err()
}
