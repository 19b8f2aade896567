package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/smartcontractkit/deployment-sequencer/internal/jsonutils"
)

var _ Store = (*FileStore)(nil)

// lockRetryDelay is how often a blocked FileStore retries the lock file.
const lockRetryDelay = 50 * time.Millisecond

// FileStore persists the ledger as a JSON document on the local filesystem.
//
// Writes go through a temp file, fsync and rename, so the document on disk is always either the
// pre-step or the post-step state. A sibling "<path>.lock" file is held while reading or writing.
type FileStore struct {
	path            string
	requireExisting bool
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithRequireExisting makes Load fail with a ConfigurationError when the ledger file does not
// exist. Use it when resuming, where a missing file means the wrong path rather than a first run.
func WithRequireExisting() FileStoreOption {
	return func(s *FileStore) {
		s.requireExisting = true
	}
}

// NewFileStore returns a FileStore for the ledger document at path.
func NewFileStore(path string, opts ...FileStoreOption) *FileStore {
	s := &FileStore{path: path}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Path returns the path of the ledger document.
func (s *FileStore) Path() string { return s.path }

// Load implements Store.
func (s *FileStore) Load(ctx context.Context) (*Ledger, error) {
	if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		if s.requireExisting {
			return nil, &ConfigurationError{Source: s.path, Err: err}
		}

		return New(), nil
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, &ConfigurationError{Source: s.path, Err: err}
	}
	defer unlock()

	fsys, ok := os.DirFS(filepath.Dir(s.path)).(fs.ReadFileFS)
	if !ok {
		return nil, &ConfigurationError{Source: s.path, Err: errors.New("filesystem does not support ReadFile")}
	}

	l, err := jsonutils.LoadFromFS[*Ledger](fsys, filepath.Base(s.path))
	if err != nil {
		return nil, &ConfigurationError{Source: s.path, Err: err}
	}
	if l == nil {
		return nil, &ConfigurationError{Source: s.path, Err: errors.New("ledger document is null")}
	}

	return l, nil
}

// Persist implements Store.
func (s *FileStore) Persist(ctx context.Context, l *Ledger) error {
	b, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "encode", Err: err}
	}

	if err = os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &PersistenceError{Op: "mkdir", Err: err}
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return &PersistenceError{Op: "lock", Err: err}
	}
	defer unlock()

	if err = jsonutils.WriteFileAtomic(s.path, b); err != nil {
		return &PersistenceError{Op: "write", Err: err}
	}

	return nil
}

func (s *FileStore) lock(ctx context.Context) (func(), error) {
	fl := flock.New(s.path + ".lock")

	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to lock %s", fl.Path())
	}

	return func() { _ = fl.Unlock() }, nil
}
