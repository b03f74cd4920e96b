package synod

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
)

var ErrEmptyStateFile = errors.New("acceptor state file is empty")

// PersistentStore keeps the acceptor state in a single JSON file. Updates
// are written to a temporary file which replaces the state file once
// synced, so the state file is always complete.
type PersistentStore struct {
	filePath string
	tmpPath  string
	dirPath  string
}

func NewPersistentStore(filePath string) *PersistentStore {
	return &PersistentStore{
		filePath: filePath,
		tmpPath:  filePath + ".tmp",
		dirPath:  path.Dir(filePath),
	}
}

// Open creates the state file with an empty state if it does not exist.
// An existing file is never reinitialized: losing a promise would let the
// acceptor vote twice.
func (s *PersistentStore) Open() error {
	if err := os.MkdirAll(s.dirPath, 0700); err != nil {
		return fmt.Errorf("cannot create directory %q: %w", s.dirPath, err)
	}

	_, err := os.Stat(s.filePath)
	if err == nil {
		return nil
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cannot stat %q: %w", s.filePath, err)
	}

	if err := s.Write(AcceptorState{}); err != nil {
		return fmt.Errorf("cannot write default state to %q: %w",
			s.filePath, err)
	}

	return nil
}

func (s *PersistentStore) Read(state *AcceptorState) error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return fmt.Errorf("cannot read %q: %w", s.filePath, err)
	}

	if len(data) == 0 {
		return fmt.Errorf("%w: %q", ErrEmptyStateFile, s.filePath)
	}

	if err := json.Unmarshal(data, state); err != nil {
		return fmt.Errorf("cannot decode json data from %q: %w",
			s.filePath, err)
	}

	return nil
}

func (s *PersistentStore) Write(state AcceptorState) error {
	data, err := json.Marshal(&state)
	if err != nil {
		return fmt.Errorf("cannot encode acceptor state: %w", err)
	}

	if err := s.writeTmpFile(data); err != nil {
		os.Remove(s.tmpPath)
		return err
	}

	if err := os.Rename(s.tmpPath, s.filePath); err != nil {
		os.Remove(s.tmpPath)
		return fmt.Errorf("cannot rename %q to %q: %w",
			s.tmpPath, s.filePath, err)
	}

	return s.syncDirectory()
}

func (s *PersistentStore) writeTmpFile(data []byte) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	file, err := os.OpenFile(s.tmpPath, flags, 0600)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", s.tmpPath, err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("cannot write %q: %w", s.tmpPath, err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("cannot sync %q: %w", s.tmpPath, err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("cannot close %q: %w", s.tmpPath, err)
	}

	return nil
}

// The rename is only durable once the directory entry is synced.
func (s *PersistentStore) syncDirectory() error {
	dir, err := os.Open(s.dirPath)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", s.dirPath, err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", s.dirPath, err)
	}

	return nil
}
