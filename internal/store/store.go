// Package store persists upload session records. Each session is one JSON
// document named by session id under a state directory, written through the
// filesystem abstraction so production uses the OS filesystem while tests
// run against an in-memory one.
//
// Updates are merge patches validated against the session state machine;
// the store never overwrites a record wholesale on behalf of a caller.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/input-output-hk/catalyst-forge-libs/fs"

	uperrors "github.com/voxscribe/upload/errors"
	"github.com/voxscribe/upload/internal/validation"
	"github.com/voxscribe/upload/uptypes"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Store is a durable key-value store of upload sessions keyed by session id.
// All operations are atomic with respect to a single record.
type Store struct {
	fsys fs.Filesystem
	dir  string
	now  func() time.Time

	mu sync.Mutex
}

// New creates a session store rooted at dir, creating it if needed.
func New(fsys fs.Filesystem, dir string, now func() time.Time) (*Store, error) {
	if fsys == nil {
		return nil, uperrors.NewError("store", uperrors.ErrInvalidInput).
			WithMessage("filesystem cannot be nil")
	}
	if dir == "" {
		return nil, uperrors.NewError("store", uperrors.ErrInvalidInput).
			WithMessage("state directory cannot be empty")
	}
	if now == nil {
		now = time.Now
	}
	if err := fsys.MkdirAll(dir, dirPerm); err != nil {
		return nil, uperrors.NewError("store", err).
			WithMessage(fmt.Sprintf("creating state directory %q", dir))
	}
	return &Store{fsys: fsys, dir: dir, now: now}, nil
}

// Create persists a new session record. The session id must not already
// exist.
func (s *Store) Create(sess *uptypes.Session) (*uptypes.Session, error) {
	if sess == nil {
		return nil, uperrors.NewError("create", uperrors.ErrInvalidInput).
			WithMessage("session cannot be nil")
	}
	if err := validation.ValidateSessionID(sess.ID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(sess.ID)
	exists, err := s.fsys.Exists(path)
	if err != nil {
		return nil, uperrors.NewError("create", err).WithSession(sess.ID)
	}
	if exists {
		return nil, uperrors.NewError("create", uperrors.ErrInvalidInput).
			WithSession(sess.ID).
			WithMessage("session already exists")
	}

	record := sess.Clone()
	if record.Parts == nil {
		record.Parts = make(map[int32]uptypes.UploadedPart)
	}
	if err := s.write(record); err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// Get loads a session by id.
func (s *Store) Get(id string) (*uptypes.Session, error) {
	if err := validation.ValidateSessionID(id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(id)
}

// Update applies a merge patch to an existing session. A patch requesting a
// status change not permitted by the state machine is rejected with
// ErrInvalidTransition and leaves the record untouched. LastActivityAt is
// bumped on every applied patch unless the patch pins it.
func (s *Store) Update(id string, patch uptypes.SessionPatch) (*uptypes.Session, error) {
	if err := validation.ValidateSessionID(id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(id)
	if err != nil {
		return nil, err
	}

	if patch.Status != nil && !uptypes.ValidTransition(sess.Status, *patch.Status) {
		return nil, uperrors.NewError("update", uperrors.ErrInvalidTransition).
			WithSession(id).
			WithMessage(fmt.Sprintf("%s -> %s", sess.Status, *patch.Status))
	}

	if patch.RemoteUploadID != nil {
		if sess.RemoteUploadID != "" && sess.RemoteUploadID != *patch.RemoteUploadID {
			return nil, uperrors.NewError("update", uperrors.ErrInvalidInput).
				WithSession(id).
				WithMessage("remote upload id is immutable once set")
		}
		sess.RemoteUploadID = *patch.RemoteUploadID
	}

	if patch.ReplaceParts != nil {
		sess.Parts = make(map[int32]uptypes.UploadedPart, len(*patch.ReplaceParts))
		for _, p := range *patch.ReplaceParts {
			sess.Parts[p.PartNumber] = p
		}
	}
	for _, p := range patch.Parts {
		sess.Parts[p.PartNumber] = p
	}

	if patch.Status != nil {
		sess.Status = *patch.Status
	}
	if patch.ErrorMsg != nil {
		sess.ErrorMsg = *patch.ErrorMsg
	}
	if patch.LastActivityAt != nil {
		sess.LastActivityAt = *patch.LastActivityAt
	} else {
		sess.LastActivityAt = s.now()
	}

	if err := s.write(sess); err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// Delete removes a session record. Deleting a missing session is an error.
func (s *Store) Delete(id string) error {
	if err := validation.ValidateSessionID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(id)
	exists, err := s.fsys.Exists(path)
	if err != nil {
		return uperrors.NewError("delete", err).WithSession(id)
	}
	if !exists {
		return uperrors.NewError("delete", uperrors.ErrSessionNotFound).WithSession(id)
	}
	if err := s.fsys.Remove(path); err != nil {
		return uperrors.NewError("delete", err).WithSession(id)
	}
	return nil
}

// ListExpired returns the ids of sessions whose last activity is older than
// maxAge. Records that fail to parse are skipped rather than blocking the
// sweep.
func (s *Store) ListExpired(maxAge time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos, err := s.fsys.ReadDir(s.dir)
	if err != nil {
		return nil, uperrors.NewError("listExpired", err)
	}

	cutoff := s.now().Add(-maxAge)
	var ids []string
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(info.Name(), ".json")
		sess, err := s.load(id)
		if err != nil {
			continue
		}
		if sess.LastActivityAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// List returns every persisted session id.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos, err := s.fsys.ReadDir(s.dir)
	if err != nil {
		return nil, uperrors.NewError("list", err)
	}

	var ids []string
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(info.Name(), ".json"))
	}
	return ids, nil
}

func (s *Store) path(id string) string {
	return filepath.ToSlash(filepath.Join(s.dir, id+".json"))
}

func (s *Store) load(id string) (*uptypes.Session, error) {
	data, err := s.fsys.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || strings.Contains(err.Error(), "file does not exist") {
			return nil, uperrors.NewError("get", uperrors.ErrSessionNotFound).WithSession(id)
		}
		return nil, uperrors.NewError("get", err).WithSession(id)
	}

	var sess uptypes.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, uperrors.NewError("get", err).
			WithSession(id).
			WithMessage("corrupt session record")
	}
	if sess.Parts == nil {
		sess.Parts = make(map[int32]uptypes.UploadedPart)
	}
	return &sess, nil
}

func (s *Store) write(sess *uptypes.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return uperrors.NewError("update", err).WithSession(sess.ID)
	}
	if err := s.fsys.WriteFile(s.path(sess.ID), data, filePerm); err != nil {
		return uperrors.NewError("update", err).WithSession(sess.ID)
	}
	return nil
}
