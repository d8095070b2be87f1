// Package mapping persists the issue identifier → chat thread table.
//
// The table is tiny and shared with other processes, so every backend reads it
// whole on each Get and rewrites it whole on each Set. Nothing is kept resident
// and nothing is locked across a read-modify-write: two concurrent Sets may
// lose one update (last writer wins). That race is accepted; a lost entry only
// costs a search on the next webhook for that issue.
//
// Unreadable or corrupt storage behaves as an empty table. Get never fails;
// callers degrade to search instead.
package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/steveyegge/linearbridge/internal/types"
)

// Store maps issue identifiers to thread anchors.
type Store interface {
	// Get returns the anchor for identifier, or false if none is recorded or
	// the backing storage cannot be read.
	Get(ctx context.Context, identifier string) (types.ThreadAnchor, bool)

	// Set records anchor for identifier, fully replacing any previous value.
	Set(ctx context.Context, identifier string, anchor types.ThreadAnchor) error

	// Entries returns a copy of the whole table.
	Entries(ctx context.Context) (Table, error)
}

// Table is the serialized form: identifier → anchor.
type Table map[string]types.ThreadAnchor

func decodeTable(data []byte) (Table, error) {
	t := Table{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return t, nil
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return Table{}, fmt.Errorf("parse mapping table: %w", err)
	}
	if t == nil {
		t = Table{}
	}
	return t, nil
}

func encodeTable(t Table) ([]byte, error) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal mapping table: %w", err)
	}
	return data, nil
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend string // file (default), sqlite, mysql, memory
	Path    string // file path, or sqlite database path
	DSN     string // mysql DSN
	Logger  *slog.Logger
}

// Open returns the backend described by opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch opts.Backend {
	case "", BackendFile:
		if opts.Path == "" {
			return nil, fmt.Errorf("mapping.path: %w", types.ErrConfigMissing)
		}
		return NewFileStore(opts.Path, logger), nil
	case BackendSQLite:
		if opts.Path == "" {
			return nil, fmt.Errorf("mapping.path: %w", types.ErrConfigMissing)
		}
		return OpenSQLite(ctx, opts.Path, logger)
	case BackendMySQL:
		if opts.DSN == "" {
			return nil, fmt.Errorf("mapping.dsn: %w", types.ErrConfigMissing)
		}
		return OpenMySQL(ctx, opts.DSN, logger)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown mapping backend %q", opts.Backend)
	}
}
