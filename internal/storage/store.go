package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database. Blobs are kept in
// the same database and served back through the API's blob route.
type SQLiteStore struct {
	db            *sql.DB
	publicBaseURL string
	mu            sync.RWMutex
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at dbPath.
// publicBaseURL is the prefix of the references returned by PutBlob.
func NewSQLiteStore(dbPath, publicBaseURL string) (*SQLiteStore, error) {
	// WAL mode and busy timeout for better concurrency
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &SQLiteStore{
		db:            db,
		publicBaseURL: publicBaseURL,
	}

	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	roomsQuery := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		posting_url TEXT,
		current_image_ref TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(roomsQuery); err != nil {
		return fmt.Errorf("failed to create rooms table: %w", err)
	}

	editsQuery := `
	CREATE TABLE IF NOT EXISTS room_edits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		edit_type TEXT NOT NULL,
		description TEXT NOT NULL,
		image_url TEXT NOT NULL,
		edit_order INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'succeeded',
		created_at INTEGER NOT NULL,
		UNIQUE (room_id, edit_order)
	);
	`
	if _, err := s.db.Exec(editsQuery); err != nil {
		return fmt.Errorf("failed to create room_edits table: %w", err)
	}

	blobsQuery := `
	CREATE TABLE IF NOT EXISTS blobs (
		name TEXT PRIMARY KEY,
		content_type TEXT NOT NULL,
		data BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(blobsQuery); err != nil {
		return fmt.Errorf("failed to create blobs table: %w", err)
	}

	scrapeCacheQuery := `
	CREATE TABLE IF NOT EXISTS scrape_cache (
		url_hash TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(scrapeCacheQuery); err != nil {
		return fmt.Errorf("failed to create scrape_cache table: %w", err)
	}

	// Migration: status column was added after the first release
	if _, err := s.db.Exec("ALTER TABLE room_edits ADD COLUMN status TEXT NOT NULL DEFAULT 'succeeded'"); err != nil {
		if !strings.Contains(err.Error(), "duplicate column name") {
			log.Warn().Err(err).Msg("failed to add status column (migration)")
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRoom inserts a new room. CreatedAt/UpdatedAt are set here.
func (s *SQLiteStore) CreateRoom(ctx context.Context, room *Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	room.CreatedAt = now
	room.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, title, posting_url, current_image_ref, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		room.ID, room.Title, room.PostingURL, room.CurrentImageRef, toMillis(now), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}
	return nil
}

// GetRoom retrieves a room by ID.
// Returns nil, nil if the room doesn't exist.
func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r Room
	var postingURL sql.NullString
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, posting_url, current_image_ref, created_at, updated_at FROM rooms WHERE id = ?`,
		id,
	).Scan(&r.ID, &r.Title, &postingURL, &r.CurrentImageRef, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query room: %w", err)
	}

	r.PostingURL = postingURL.String
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return &r, nil
}

// LastTurn returns the room's most recent turn, or nil, nil if it has none.
func (s *SQLiteStore) LastTurn(ctx context.Context, roomID string) (*EditTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+turnColumns+` FROM room_edits WHERE room_id = ? ORDER BY edit_order DESC LIMIT 1`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query last turn: %w", err)
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil || len(turns) == 0 {
		return nil, err
	}
	return &turns[0], nil
}

// InsertTurn appends a turn at its preassigned sequence.
func (s *SQLiteStore) InsertTurn(ctx context.Context, turn *EditTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return insertTurn(ctx, s.db, turn)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTurn(ctx context.Context, db sqlExecer, turn *EditTurn) error {
	if turn.Status == "" {
		turn.Status = TurnSucceeded
	}
	turn.CreatedAt = time.Now().UTC()

	res, err := db.ExecContext(ctx, `
		INSERT INTO room_edits (room_id, edit_type, description, image_url, edit_order, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, turn.RoomID, string(turn.Role), turn.Text, turn.ImageRef, turn.Sequence, string(turn.Status), toMillis(turn.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("failed to insert turn %d in room %s: %w", turn.Sequence, turn.RoomID, ErrSequenceConflict)
		}
		return fmt.Errorf("failed to insert turn: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		turn.ID = id
	}
	return nil
}

// CompleteEdit records the assistant turn and moves the room's current image
// in one transaction. Returns ErrNotFound if the room doesn't exist.
func (s *SQLiteStore) CompleteEdit(ctx context.Context, turn *EditTurn, imageRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertTurn(ctx, tx, turn); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE rooms SET current_image_ref = ?, updated_at = ? WHERE id = ?`,
		imageRef, toMillis(time.Now()), turn.RoomID,
	)
	if err != nil {
		return fmt.Errorf("failed to update room image: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("room %s: %w", turn.RoomID, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const turnColumns = `id, room_id, edit_type, description, image_url, edit_order, status, created_at`

// ListTurns returns the room's conversation in sequence order.
func (s *SQLiteStore) ListTurns(ctx context.Context, roomID string) ([]EditTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+turnColumns+` FROM room_edits WHERE room_id = ? ORDER BY edit_order ASC`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	return scanTurns(rows)
}

// ListUnpairedTurns returns user turns older than cutoff whose assistant
// turn was never written.
func (s *SQLiteStore) ListUnpairedTurns(ctx context.Context, cutoff time.Time) ([]EditTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+turnColumns+` FROM room_edits u
		WHERE u.edit_type = 'user' AND u.created_at < ?
		AND NOT EXISTS (
			SELECT 1 FROM room_edits a
			WHERE a.room_id = u.room_id AND a.edit_order = u.edit_order + 1 AND a.edit_type = 'assistant'
		)
		ORDER BY u.room_id, u.edit_order
	`, toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query unpaired turns: %w", err)
	}
	defer rows.Close()

	return scanTurns(rows)
}

func scanTurns(rows *sql.Rows) ([]EditTurn, error) {
	var turns []EditTurn
	for rows.Next() {
		var t EditTurn
		var role, status string
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.RoomID, &role, &t.Text, &t.ImageRef, &t.Sequence, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.Role = Role(role)
		t.Status = TurnStatus(status)
		t.CreatedAt = fromMillis(createdAt)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// PutBlob stores data under name and returns its public reference.
func (s *SQLiteStore) PutBlob(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("failed to store blob %s: %w", name, ErrEmptyBlob)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (name, content_type, data, created_at) VALUES (?, ?, ?, ?)`,
		name, contentType, data, toMillis(time.Now()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}

	return PublicBlobRef(s.publicBaseURL, name), nil
}

// GetBlob retrieves a blob by name.
// Returns nil, nil if the blob doesn't exist.
func (s *SQLiteStore) GetBlob(ctx context.Context, name string) (*Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b Blob
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT name, content_type, data, created_at FROM blobs WHERE name = ?`,
		name,
	).Scan(&b.Name, &b.ContentType, &b.Data, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query blob: %w", err)
	}
	b.CreatedAt = fromMillis(createdAt)
	return &b, nil
}

// GetScrapeCache retrieves a cached listing record by URL hash.
// Returns nil, nil if no cache entry exists.
func (s *SQLiteStore) GetScrapeCache(ctx context.Context, key string) (*ScrapeCacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entry ScrapeCacheEntry
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, created_at FROM scrape_cache WHERE url_hash = ?`,
		key,
	).Scan(&entry.Payload, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query scrape cache: %w", err)
	}
	entry.CreatedAt = fromMillis(createdAt)
	return &entry, nil
}

// SetScrapeCache stores a listing record in the cache.
func (s *SQLiteStore) SetScrapeCache(ctx context.Context, key, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scrape_cache (url_hash, payload, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(url_hash) DO UPDATE SET
			payload = excluded.payload,
			created_at = excluded.created_at
	`, key, payload, toMillis(time.Now()))

	if err != nil {
		return fmt.Errorf("failed to cache scrape result: %w", err)
	}
	return nil
}
