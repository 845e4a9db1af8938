package fingerprint

import (
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// fileName is the fixed key under which the fingerprint is persisted in the
// agent state directory.
const fileName = "fingerprint"

// Store persists the resolved fingerprint across restarts.
type Store interface {
	// Get returns the persisted fingerprint, if any.
	Get() (string, bool)
	// Set persists the fingerprint, replacing any previous value.
	Set(value string) error
}

// FileStore keeps the fingerprint in a single file in the agent state
// directory. The filesystem is injected so tests run on an in-memory fs.
type FileStore struct {
	fs  afero.Fs
	dir string
}

// NewFileStore creates a store rooted at the given state directory.
func NewFileStore(fs afero.Fs, dir string) *FileStore {
	return &FileStore{fs: fs, dir: dir}
}

func (s *FileStore) path() string {
	return filepath.Join(s.dir, fileName)
}

func (s *FileStore) Get() (string, bool) {
	data, err := afero.ReadFile(s.fs, s.path())
	if err != nil {
		return "", false
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", false
	}
	return value, true
}

func (s *FileStore) Set(value string) error {
	if err := s.fs.MkdirAll(s.dir, 0700); err != nil {
		return err
	}
	return afero.WriteFile(s.fs, s.path(), []byte(value+"\n"), 0600)
}
