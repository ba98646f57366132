package storage

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when an update targets a record that does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrSequenceConflict is returned when a turn is written at a sequence
	// already taken in its room.
	ErrSequenceConflict = errors.New("sequence already used in room")
	// ErrEmptyBlob is returned when a blob write carries no data.
	ErrEmptyBlob = errors.New("blob is empty")
)

// Role identifies who authored an edit turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnStatus marks whether an assistant turn reports a completed edit.
// User turns are always TurnSucceeded.
type TurnStatus string

const (
	TurnSucceeded TurnStatus = "succeeded"
	TurnFailed    TurnStatus = "failed"
)

// EditTurn is one entry in a room's edit conversation.
type EditTurn struct {
	ID        int64      `json:"id"`
	RoomID    string     `json:"roomId"`
	Role      Role       `json:"role"`
	Text      string     `json:"text"`
	ImageRef  string     `json:"imageRef"`
	Sequence  int64      `json:"sequence"`
	Status    TurnStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Room is a photographed room whose current image is replaced by edits.
type Room struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	PostingURL      string    `json:"postingUrl,omitempty"`
	CurrentImageRef string    `json:"currentImageRef"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Blob is a stored binary object.
type Blob struct {
	Name        string
	ContentType string
	Data        []byte
	CreatedAt   time.Time
}

// ScrapeCacheEntry is a cached normalized listing record.
type ScrapeCacheEntry struct {
	Payload   string
	CreatedAt time.Time
}

// Store is the persistence backend: ordered turn log, room records and blobs.
type Store interface {
	CreateRoom(ctx context.Context, room *Room) error
	// GetRoom returns nil, nil if the room doesn't exist.
	GetRoom(ctx context.Context, id string) (*Room, error)

	// LastTurn returns the turn with the highest sequence in the room, or
	// nil, nil if the room has no turns.
	LastTurn(ctx context.Context, roomID string) (*EditTurn, error)
	InsertTurn(ctx context.Context, turn *EditTurn) error
	// CompleteEdit inserts the assistant turn and points the room at
	// imageRef in one transaction.
	CompleteEdit(ctx context.Context, turn *EditTurn, imageRef string) error
	ListTurns(ctx context.Context, roomID string) ([]EditTurn, error)
	// ListUnpairedTurns returns user turns created before cutoff that have
	// no assistant turn at sequence+1.
	ListUnpairedTurns(ctx context.Context, cutoff time.Time) ([]EditTurn, error)

	PutBlob(ctx context.Context, name string, data []byte, contentType string) (string, error)
	// GetBlob returns nil, nil if the blob doesn't exist.
	GetBlob(ctx context.Context, name string) (*Blob, error)

	// GetScrapeCache returns nil, nil on a cache miss.
	GetScrapeCache(ctx context.Context, key string) (*ScrapeCacheEntry, error)
	SetScrapeCache(ctx context.Context, key, payload string) error

	Close() error
}

// PublicBlobRef builds the public reference under which a blob is served.
func PublicBlobRef(baseURL, name string) string {
	segments := strings.Split(name, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(baseURL, "/") + "/blobs/" + strings.Join(segments, "/")
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
