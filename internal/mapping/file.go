package mapping

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/steveyegge/linearbridge/internal/types"
)

// FileStore keeps the table in a single JSON file that is replaced
// atomically (temp file + rename) on every Set.
type FileStore struct {
	path   string
	logger *slog.Logger
}

// NewFileStore returns a store backed by the file at path. The file and its
// directory are created on first Set.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Get reads the file and returns the anchor for identifier.
func (s *FileStore) Get(_ context.Context, identifier string) (types.ThreadAnchor, bool) {
	t := s.load()
	a, ok := t[identifier]
	return a, ok && !a.IsZero()
}

// Set reads the file, replaces identifier's entry and writes the file back.
func (s *FileStore) Set(_ context.Context, identifier string, anchor types.ThreadAnchor) error {
	t := s.load()
	t[identifier] = anchor
	return s.save(t)
}

// Entries returns the current table.
func (s *FileStore) Entries(_ context.Context) (Table, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Table{}, nil
		}
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	return decodeTable(data)
}

// load never fails: a missing file is an empty table, and an unreadable or
// corrupt one is logged and treated as empty.
func (s *FileStore) load() Table {
	t, err := s.Entries(context.Background())
	if err != nil {
		s.logger.Warn("mapping: unreadable table, treating as empty", "path", s.path, "err", err)
		return Table{}
	}
	return t
}

func (s *FileStore) save(t Table) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create mapping directory: %w", err)
	}
	data, err := encodeTable(t)
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write mapping file: %w", err)
	}
	return nil
}
