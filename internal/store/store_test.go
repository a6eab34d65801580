package store

import (
	"testing"
	"time"

	"github.com/input-output-hk/catalyst-forge-libs/fs/billy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uperrors "github.com/voxscribe/upload/errors"
	"github.com/voxscribe/upload/uptypes"
)

func testSession(id string) *uptypes.Session {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &uptypes.Session{
		ID:             id,
		ProjectID:      "proj-1",
		StorageKey:     "media/recording.mp4",
		FilePath:       "/videos/recording.mp4",
		FileName:       "recording.mp4",
		FileSize:       25_000_000,
		MimeType:       "video/mp4",
		ChunkSize:      8_000_000,
		TotalChunks:    4,
		Status:         uptypes.StatusPending,
		Parts:          map[int32]uptypes.UploadedPart{},
		StartedAt:      now,
		LastActivityAt: now,
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(billy.NewInMemoryFS(), "state", nil)
	require.NoError(t, err)
	return s
}

func strPtr(s string) *string { return &s }

func statusPtr(s uptypes.Status) *uptypes.Status { return &s }

func TestStore_CreateGet(t *testing.T) {
	s := newTestStore(t)

	created, err := s.Create(testSession("sess-1"))
	require.NoError(t, err)
	assert.Equal(t, uptypes.StatusPending, created.Status)

	got, err := s.Get("sess-1")
	require.NoError(t, err)
	assert.Equal(t, created, got)

	// Duplicate create is rejected.
	_, err = s.Create(testSession("sess-1"))
	assert.True(t, uperrors.IsInvalidInput(err))

	_, err = s.Get("missing")
	assert.True(t, uperrors.IsSessionNotFound(err))
}

func TestStore_Update_MergesParts(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(testSession("sess-1"))
	require.NoError(t, err)

	_, err = s.Update("sess-1", uptypes.SessionPatch{
		Status:         statusPtr(uptypes.StatusUploading),
		RemoteUploadID: strPtr("remote-1"),
	})
	require.NoError(t, err)

	// Parts arrive out of order; merging keys by part number keeps each
	// at most once.
	_, err = s.Update("sess-1", uptypes.SessionPatch{
		Parts: []uptypes.UploadedPart{{PartNumber: 3, ETag: "e3", Size: 8_000_000}},
	})
	require.NoError(t, err)
	got, err := s.Update("sess-1", uptypes.SessionPatch{
		Parts: []uptypes.UploadedPart{
			{PartNumber: 1, ETag: "e1", Size: 8_000_000},
			{PartNumber: 3, ETag: "e3", Size: 8_000_000},
		},
	})
	require.NoError(t, err)

	assert.Len(t, got.Parts, 2)
	assert.Equal(t, "remote-1", got.RemoteUploadID)
	assert.Equal(t, "e1", got.Parts[1].ETag)
}

func TestStore_Update_RejectsInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(testSession("sess-1"))
	require.NoError(t, err)

	// pending -> paused is not a legal edge.
	_, err = s.Update("sess-1", uptypes.SessionPatch{Status: statusPtr(uptypes.StatusPaused)})
	assert.True(t, uperrors.IsInvalidTransition(err))

	// The record is untouched.
	got, err := s.Get("sess-1")
	require.NoError(t, err)
	assert.Equal(t, uptypes.StatusPending, got.Status)

	// Terminal states accept no transitions.
	_, err = s.Update("sess-1", uptypes.SessionPatch{Status: statusPtr(uptypes.StatusCancelled)})
	require.NoError(t, err)
	_, err = s.Update("sess-1", uptypes.SessionPatch{Status: statusPtr(uptypes.StatusUploading)})
	assert.True(t, uperrors.IsInvalidTransition(err))
}

func TestStore_Update_RemoteUploadIDImmutable(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(testSession("sess-1"))
	require.NoError(t, err)

	_, err = s.Update("sess-1", uptypes.SessionPatch{RemoteUploadID: strPtr("remote-1")})
	require.NoError(t, err)

	// Re-asserting the same id is fine, changing it is not.
	_, err = s.Update("sess-1", uptypes.SessionPatch{RemoteUploadID: strPtr("remote-1")})
	assert.NoError(t, err)
	_, err = s.Update("sess-1", uptypes.SessionPatch{RemoteUploadID: strPtr("remote-2")})
	assert.True(t, uperrors.IsInvalidInput(err))
}

func TestStore_Update_ReplaceParts(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(testSession("sess-1"))
	require.NoError(t, err)

	_, err = s.Update("sess-1", uptypes.SessionPatch{
		Parts: []uptypes.UploadedPart{
			{PartNumber: 1, ETag: "e1", Size: 8_000_000},
			{PartNumber: 2, ETag: "e2", Size: 8_000_000},
		},
	})
	require.NoError(t, err)

	// Reconciliation replaces the set with the remote listing.
	remote := []uptypes.UploadedPart{{PartNumber: 2, ETag: "e2", Size: 8_000_000}}
	got, err := s.Update("sess-1", uptypes.SessionPatch{ReplaceParts: &remote})
	require.NoError(t, err)
	assert.Len(t, got.Parts, 1)
	assert.Equal(t, "e2", got.Parts[2].ETag)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	fsys := billy.NewInMemoryFS()
	s, err := New(fsys, "state", nil)
	require.NoError(t, err)

	_, err = s.Create(testSession("sess-1"))
	require.NoError(t, err)
	_, err = s.Update("sess-1", uptypes.SessionPatch{
		Status:         statusPtr(uptypes.StatusUploading),
		RemoteUploadID: strPtr("remote-1"),
		Parts:          []uptypes.UploadedPart{{PartNumber: 1, ETag: "e1", Size: 8_000_000}},
	})
	require.NoError(t, err)

	// A new store over the same filesystem sees the same record.
	reopened, err := New(fsys, "state", nil)
	require.NoError(t, err)
	got, err := reopened.Get("sess-1")
	require.NoError(t, err)
	assert.Equal(t, uptypes.StatusUploading, got.Status)
	assert.Equal(t, "remote-1", got.RemoteUploadID)
	assert.Len(t, got.Parts, 1)
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(testSession("sess-1"))
	require.NoError(t, err)

	require.NoError(t, s.Delete("sess-1"))
	_, err = s.Get("sess-1")
	assert.True(t, uperrors.IsSessionNotFound(err))
	assert.True(t, uperrors.IsSessionNotFound(s.Delete("sess-1")))
}

func TestStore_ListExpired(t *testing.T) {
	current := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	s, err := New(billy.NewInMemoryFS(), "state", func() time.Time { return current })
	require.NoError(t, err)

	stale := testSession("stale")
	stale.LastActivityAt = current.Add(-48 * time.Hour)
	_, err = s.Create(stale)
	require.NoError(t, err)

	fresh := testSession("fresh")
	fresh.LastActivityAt = current.Add(-time.Hour)
	_, err = s.Create(fresh)
	require.NoError(t, err)

	ids, err := s.ListExpired(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, ids)

	all, err := s.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"stale", "fresh"}, all)
}
