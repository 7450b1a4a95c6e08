package hashcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/schaermu/patchkit/internal/fsutil"
)

const fileStoreVersion = 1

// fileDocument is the on-disk layout of a FileStore
type fileDocument struct {
	Version int               `json:"version"`
	Records map[string]Record `json:"records"`
}

// FileStore persists records as a single JSON document
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by the JSON file at path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the document. A missing file yields an empty record set.
func (s *FileStore) Load() (map[string]Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]Record), nil
		}
		return nil, err
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	if doc.Version != fileStoreVersion {
		return nil, fmt.Errorf("unsupported hash cache version %d in %s", doc.Version, s.path)
	}
	if doc.Records == nil {
		doc.Records = make(map[string]Record)
	}

	return doc.Records, nil
}

// Save atomically replaces the document
func (s *FileStore) Save(records map[string]Record) error {
	data, err := json.MarshalIndent(fileDocument{Version: fileStoreVersion, Records: records}, "", "  ")
	if err != nil {
		return err
	}

	return fsutil.WriteFile(s.path, data, 0644)
}

// Close is a no-op
func (s *FileStore) Close() error { return nil }

// badgerPrefix namespaces cache keys inside the database
var badgerPrefix = []byte("hash/")

// BadgerStore persists records in an embedded BadgerDB, one key per path
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a BadgerDB at dir
func OpenBadgerStore(dir string, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{logger: logger}).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", dir, err)
	}

	return &BadgerStore{db: db}, nil
}

// Load reads every record under the cache prefix. Undecodable values are skipped.
func (s *BadgerStore) Load() (map[string]Record, error) {
	records := make(map[string]Record)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerPrefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			path := string(item.Key()[len(badgerPrefix):])

			err := item.Value(func(val []byte) error {
				var rec Record
				if err := json.Unmarshal(val, &rec); err != nil {
					// Skip corrupted entries, the file will simply be rehashed
					return nil
				}
				records[path] = rec
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read hash cache: %w", err)
	}

	return records, nil
}

// Save replaces all cache keys with records
func (s *BadgerStore) Save(records map[string]Record) error {
	if err := s.db.DropPrefix(badgerPrefix); err != nil {
		return fmt.Errorf("failed to clear hash cache: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for path, rec := range records {
		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		key := append(append([]byte{}, badgerPrefix...), path...)
		if err := wb.Set(key, val); err != nil {
			return fmt.Errorf("failed to write hash cache entry %s: %w", path, err)
		}
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to flush hash cache: %w", err)
	}
	return nil
}

// Close closes the database
func (s *BadgerStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// OpenStore builds the store configured by backend ("file", "badger" or
// "memory"). The memory backend returns a nil Store.
func OpenStore(backend, path string, logger *slog.Logger) (Store, error) {
	switch backend {
	case "", "file":
		return NewFileStore(path), nil
	case "badger":
		s, err := OpenBadgerStore(path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return nil, nil
	default:
		return nil, errors.New("unknown hash cache backend: " + backend)
	}
}

// badgerLogger routes BadgerDB's logging through slog
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}
