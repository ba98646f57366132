package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:", "http://localhost:8080")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createTestRoom(t *testing.T, store Store, id string) {
	t.Helper()
	err := store.CreateRoom(context.Background(), &Room{
		ID:              id,
		Title:           "Living room",
		CurrentImageRef: "img://A",
	})
	require.NoError(t, err)
}

func TestSQLiteStore_GetRoom_NotFound(t *testing.T) {
	store := newTestStore(t)

	room, err := store.GetRoom(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, room)
}

func TestSQLiteStore_CreateAndGetRoom(t *testing.T) {
	store := newTestStore(t)
	createTestRoom(t, store, "room-1")

	room, err := store.GetRoom(context.Background(), "room-1")
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, "Living room", room.Title)
	assert.Equal(t, "img://A", room.CurrentImageRef)
	assert.False(t, room.CreatedAt.IsZero())
}

func TestSQLiteStore_InsertTurn_SequenceConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createTestRoom(t, store, "room-1")

	turn := &EditTurn{RoomID: "room-1", Role: RoleUser, Text: "first", ImageRef: "img://A", Sequence: 0}
	require.NoError(t, store.InsertTurn(ctx, turn))
	assert.NotZero(t, turn.ID)

	dup := &EditTurn{RoomID: "room-1", Role: RoleUser, Text: "second", ImageRef: "img://A", Sequence: 0}
	err := store.InsertTurn(ctx, dup)
	assert.True(t, errors.Is(err, ErrSequenceConflict))

	// same sequence in another room is fine
	other := &EditTurn{RoomID: "room-2", Role: RoleUser, Text: "first", ImageRef: "img://A", Sequence: 0}
	assert.NoError(t, store.InsertTurn(ctx, other))
}

func TestSQLiteStore_CompleteEdit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createTestRoom(t, store, "room-1")

	require.NoError(t, store.InsertTurn(ctx, &EditTurn{
		RoomID: "room-1", Role: RoleUser, Text: "make the walls blue", ImageRef: "img://A", Sequence: 0,
	}))
	require.NoError(t, store.CompleteEdit(ctx, &EditTurn{
		RoomID: "room-1", Role: RoleAssistant, Text: "Image edited successfully", ImageRef: "img://B", Sequence: 1,
	}, "img://B"))

	turns, err := store.ListTurns(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, int64(0), turns[0].Sequence)
	assert.Equal(t, RoleAssistant, turns[1].Role)
	assert.Equal(t, "img://B", turns[1].ImageRef)
	assert.Equal(t, TurnSucceeded, turns[1].Status)

	room, err := store.GetRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "img://B", room.CurrentImageRef)
}

func TestSQLiteStore_CompleteEdit_MissingRoomRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.CompleteEdit(ctx, &EditTurn{
		RoomID: "ghost", Role: RoleAssistant, Text: "done", ImageRef: "img://B", Sequence: 1,
	}, "img://B")
	assert.True(t, errors.Is(err, ErrNotFound))

	turns, err := store.ListTurns(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, turns, "assistant turn must not survive the rollback")
}

func TestSQLiteStore_ListUnpairedTurns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createTestRoom(t, store, "room-1")

	// paired edit
	require.NoError(t, store.InsertTurn(ctx, &EditTurn{RoomID: "room-1", Role: RoleUser, Text: "a", ImageRef: "img://A", Sequence: 0}))
	require.NoError(t, store.InsertTurn(ctx, &EditTurn{RoomID: "room-1", Role: RoleAssistant, Text: "ok", ImageRef: "img://B", Sequence: 1}))
	// orphan
	require.NoError(t, store.InsertTurn(ctx, &EditTurn{RoomID: "room-1", Role: RoleUser, Text: "b", ImageRef: "img://B", Sequence: 2}))

	unpaired, err := store.ListUnpairedTurns(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, unpaired, 1)
	assert.Equal(t, int64(2), unpaired[0].Sequence)

	// nothing is older than a cutoff in the past
	unpaired, err = store.ListUnpairedTurns(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, unpaired)
}

func TestSQLiteStore_UserTurnFollowedByUserTurnIsUnpaired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createTestRoom(t, store, "room-1")

	require.NoError(t, store.InsertTurn(ctx, &EditTurn{RoomID: "room-1", Role: RoleUser, Text: "crashed", ImageRef: "img://A", Sequence: 0}))
	require.NoError(t, store.InsertTurn(ctx, &EditTurn{RoomID: "room-1", Role: RoleUser, Text: "next", ImageRef: "img://A", Sequence: 1}))
	require.NoError(t, store.InsertTurn(ctx, &EditTurn{RoomID: "room-1", Role: RoleAssistant, Text: "ok", ImageRef: "img://B", Sequence: 2}))

	unpaired, err := store.ListUnpairedTurns(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, unpaired, 1)
	assert.Equal(t, int64(0), unpaired[0].Sequence)
	assert.Equal(t, "crashed", unpaired[0].Text)
}

func TestSQLiteStore_LastTurn(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createTestRoom(t, store, "room-1")

	last, err := store.LastTurn(ctx, "room-1")
	require.NoError(t, err)
	assert.Nil(t, last)

	require.NoError(t, store.InsertTurn(ctx, &EditTurn{RoomID: "room-1", Role: RoleUser, Text: "a", ImageRef: "img://A", Sequence: 0}))
	require.NoError(t, store.InsertTurn(ctx, &EditTurn{RoomID: "room-1", Role: RoleAssistant, Text: "ok", ImageRef: "img://B", Sequence: 1}))
	require.NoError(t, store.InsertTurn(ctx, &EditTurn{RoomID: "room-1", Role: RoleUser, Text: "b", ImageRef: "img://B", Sequence: 2}))

	last, err = store.LastTurn(ctx, "room-1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, int64(2), last.Sequence)
	assert.Equal(t, RoleUser, last.Role)
	assert.Equal(t, "b", last.Text)
}

func TestSQLiteStore_Blobs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ref, err := store.PutBlob(ctx, "user-1/room-1/1700000000000-edited.jpg", []byte("foo"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/blobs/user-1/room-1/1700000000000-edited.jpg", ref)

	blob, err := store.GetBlob(ctx, "user-1/room-1/1700000000000-edited.jpg")
	require.NoError(t, err)
	require.NotNil(t, blob)
	assert.Equal(t, []byte("foo"), blob.Data)
	assert.Equal(t, "image/jpeg", blob.ContentType)

	missing, err := store.GetBlob(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, missing)

	_, err = store.PutBlob(ctx, "empty.jpg", nil, "image/jpeg")
	assert.True(t, errors.Is(err, ErrEmptyBlob))
}

func TestSQLiteStore_ScrapeCache(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	entry, err := store.GetScrapeCache(ctx, "abc")
	assert.NoError(t, err)
	assert.Nil(t, entry)

	require.NoError(t, store.SetScrapeCache(ctx, "abc", `{"title":"one"}`))
	require.NoError(t, store.SetScrapeCache(ctx, "abc", `{"title":"two"}`))

	entry, err = store.GetScrapeCache(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, `{"title":"two"}`, entry.Payload)
}

func TestPublicBlobRef_EscapesSegments(t *testing.T) {
	assert.Equal(t,
		"https://cdn.example/blobs/a%20b/c.jpg",
		PublicBlobRef("https://cdn.example/", "a b/c.jpg"),
	)
}
