package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on PostgreSQL. It is selected when
// DATABASE_URL is set and allows several API replicas to share one log.
type PostgresStore struct {
	pool          *pgxpool.Pool
	publicBaseURL string
}

var _ Store = (*PostgresStore)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	posting_url TEXT,
	current_image_ref TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS room_edits (
	id BIGSERIAL PRIMARY KEY,
	room_id TEXT NOT NULL,
	edit_type TEXT NOT NULL,
	description TEXT NOT NULL,
	image_url TEXT NOT NULL,
	edit_order BIGINT NOT NULL,
	status TEXT NOT NULL DEFAULT 'succeeded',
	created_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT room_edits_room_order_key UNIQUE (room_id, edit_order)
);
CREATE TABLE IF NOT EXISTS blobs (
	name TEXT PRIMARY KEY,
	content_type TEXT NOT NULL,
	data BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS scrape_cache (
	url_hash TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects to dsn and creates the schema if missing.
func NewPostgresStore(ctx context.Context, dsn, publicBaseURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	cfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStore{pool: pool, publicBaseURL: publicBaseURL}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if err == nil || !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

func (s *PostgresStore) CreateRoom(ctx context.Context, room *Room) error {
	now := time.Now().UTC()
	room.CreatedAt = now
	room.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO rooms (id, title, posting_url, current_image_ref, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		room.ID, room.Title, room.PostingURL, room.CurrentImageRef, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRoom(ctx context.Context, id string) (*Room, error) {
	var r Room
	var postingURL *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, posting_url, current_image_ref, created_at, updated_at FROM rooms WHERE id = $1`,
		id,
	).Scan(&r.ID, &r.Title, &postingURL, &r.CurrentImageRef, &r.CreatedAt, &r.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query room: %w", err)
	}
	if postingURL != nil {
		r.PostingURL = *postingURL
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func (s *PostgresStore) LastTurn(ctx context.Context, roomID string) (*EditTurn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+turnColumns+` FROM room_edits WHERE room_id = $1 ORDER BY edit_order DESC LIMIT 1`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query last turn: %w", err)
	}
	turns, err := collectTurnsPG(rows)
	if err != nil || len(turns) == 0 {
		return nil, err
	}
	return &turns[0], nil
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertTurnPG(ctx context.Context, q pgQuerier, turn *EditTurn) error {
	if turn.Status == "" {
		turn.Status = TurnSucceeded
	}
	turn.CreatedAt = time.Now().UTC()

	err := q.QueryRow(ctx, `
		INSERT INTO room_edits (room_id, edit_type, description, image_url, edit_order, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, turn.RoomID, string(turn.Role), turn.Text, turn.ImageRef, turn.Sequence, string(turn.Status), turn.CreatedAt).Scan(&turn.ID)
	if err != nil {
		if isUniqueViolation(err, "room_edits_room_order_key") {
			return fmt.Errorf("failed to insert turn %d in room %s: %w", turn.Sequence, turn.RoomID, ErrSequenceConflict)
		}
		return fmt.Errorf("failed to insert turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertTurn(ctx context.Context, turn *EditTurn) error {
	return insertTurnPG(ctx, s.pool, turn)
}

func (s *PostgresStore) CompleteEdit(ctx context.Context, turn *EditTurn, imageRef string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertTurnPG(ctx, tx, turn); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE rooms SET current_image_ref = $1, updated_at = $2 WHERE id = $3`,
		imageRef, time.Now().UTC(), turn.RoomID,
	)
	if err != nil {
		return fmt.Errorf("failed to update room image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("room %s: %w", turn.RoomID, ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTurns(ctx context.Context, roomID string) ([]EditTurn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+turnColumns+` FROM room_edits WHERE room_id = $1 ORDER BY edit_order ASC`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	return collectTurnsPG(rows)
}

func (s *PostgresStore) ListUnpairedTurns(ctx context.Context, cutoff time.Time) ([]EditTurn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+turnColumns+` FROM room_edits u
		WHERE u.edit_type = 'user' AND u.created_at < $1
		AND NOT EXISTS (
			SELECT 1 FROM room_edits a
			WHERE a.room_id = u.room_id AND a.edit_order = u.edit_order + 1 AND a.edit_type = 'assistant'
		)
		ORDER BY u.room_id, u.edit_order
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpaired turns: %w", err)
	}
	return collectTurnsPG(rows)
}

func collectTurnsPG(rows pgx.Rows) ([]EditTurn, error) {
	defer rows.Close()

	var turns []EditTurn
	for rows.Next() {
		var t EditTurn
		var role, status string
		if err := rows.Scan(&t.ID, &t.RoomID, &role, &t.Text, &t.ImageRef, &t.Sequence, &status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.Role = Role(role)
		t.Status = TurnStatus(status)
		t.CreatedAt = t.CreatedAt.UTC()
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *PostgresStore) PutBlob(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("failed to store blob %s: %w", name, ErrEmptyBlob)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO blobs (name, content_type, data, created_at) VALUES ($1, $2, $3, $4)`,
		name, contentType, data, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}
	return PublicBlobRef(s.publicBaseURL, name), nil
}

func (s *PostgresStore) GetBlob(ctx context.Context, name string) (*Blob, error) {
	var b Blob
	err := s.pool.QueryRow(ctx,
		`SELECT name, content_type, data, created_at FROM blobs WHERE name = $1`,
		name,
	).Scan(&b.Name, &b.ContentType, &b.Data, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query blob: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) GetScrapeCache(ctx context.Context, key string) (*ScrapeCacheEntry, error) {
	var entry ScrapeCacheEntry
	err := s.pool.QueryRow(ctx,
		`SELECT payload, created_at FROM scrape_cache WHERE url_hash = $1`,
		key,
	).Scan(&entry.Payload, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query scrape cache: %w", err)
	}
	return &entry, nil
}

func (s *PostgresStore) SetScrapeCache(ctx context.Context, key, payload string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scrape_cache (url_hash, payload, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (url_hash) DO UPDATE SET
			payload = EXCLUDED.payload,
			created_at = EXCLUDED.created_at
	`, key, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cache scrape result: %w", err)
	}
	return nil
}
