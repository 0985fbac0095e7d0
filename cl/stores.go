package cl

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/gomlx/gocl/internal/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CacheDirEnv is the environment variable with the default directory of the program binary stores.
const CacheDirEnv = "GOCL_CACHE_DIR"

// DefaultCacheDir returns $GOCL_CACHE_DIR if set, or else the "gocl" sub-directory of the user cache directory.
func DefaultCacheDir() string {
	if dir := os.Getenv(CacheDirEnv); dir != "" {
		return dir
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "gocl")
	}
	return filepath.Join(dir, "gocl")
}

// FileStore is a BinaryStore that saves one file per key in a directory.
// Files are written to a temporary name and renamed, so concurrent readers never see partial binaries.
type FileStore struct {
	dir string
}

// NewFileStore creates a FileStore on dir, which is created on the first Save. A leading "~" is expanded to the
// home directory.
func NewFileStore(dir string) (*FileStore, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return nil, errors.New("cl.NewFileStore: empty directory")
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory of the store.
func (s *FileStore) Dir() string { return s.dir }

// Path of the file for key.
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.dir, key)
}

func validKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return errors.Errorf("invalid binary cache key %q", key)
	}
	return nil
}

// Load implements BinaryStore.
func (s *FileStore) Load(key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(ErrNotCached, "key %q", key)
		}
		return nil, errors.Wrapf(err, "failed to read cached binary %q", s.Path(key))
	}
	return data, nil
}

// Save implements BinaryStore.
func (s *FileStore) Save(key string, binary []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.Path(key), binary, 0o644); err != nil {
		return err
	}
	klog.V(1).Infof("saved program binary %q", s.Path(key))
	return nil
}

// BadgerStore is a BinaryStore backed by a Badger key-value database, for caches shared by many programs.
type BadgerStore struct {
	db *badger.DB
}

// badgerKeyPrefix namespaces the keys, in case the database is shared.
const badgerKeyPrefix = "gocl/program/"

// NewBadgerStore opens (creating if needed) a Badger database in dir. If dir is empty, the database is kept in memory
// only, which is useful for tests. Close it when no longer needed.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		var err error
		dir, err = fsutil.ReplaceTildeInDir(dir)
		if err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open badger database in %q", dir)
	}
	return &BadgerStore{db: db}, nil
}

// Load implements BinaryStore.
func (s *BadgerStore) Load(key string) ([]byte, error) {
	if s.db == nil {
		return nil, errors.Wrap(ErrDestroyed, "cl.BadgerStore")
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, errors.Wrapf(ErrNotCached, "key %q", key)
		}
		return nil, errors.Wrapf(err, "failed to read cached binary %q", key)
	}
	return value, nil
}

// Save implements BinaryStore.
func (s *BadgerStore) Save(key string, binary []byte) error {
	if s.db == nil {
		return errors.Wrap(ErrDestroyed, "cl.BadgerStore")
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerKeyPrefix+key), binary)
	})
	if err != nil {
		return errors.Wrapf(err, "failed to save cached binary %q", key)
	}
	return nil
}

// Close the underlying database. It is idempotent.
func (s *BadgerStore) Close() error {
	if s.db == nil {
		// Already closed, no-op.
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return errors.WithStack(err)
}
