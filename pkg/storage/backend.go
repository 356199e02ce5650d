package storage

import (
	"cmp"
	"database/sql"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"hybridindex/pkg/common"

	_ "modernc.org/sqlite"
)

// Backend is a dataset of records that an index can be built from. It is not
// used for index persistence.
type Backend interface {
	Write(key common.KeyType, val common.ValueType) error
	BatchWrite(records []common.Record) error
	Read(key common.KeyType) (common.ValueType, bool, error)
	// LoadAll returns every record in ascending key order.
	LoadAll() ([]common.Record, error)
	Count() (int, error)
	Truncate() error
	Close() error
}

// SQLiteBackend stores a dataset in a single sqlite table. Keys are stored
// as the int64 with the same bits, so sqlite's own ordering is only correct
// below 2^63; LoadAll sorts in Go.
type SQLiteBackend struct {
	db     *sql.DB
	mu     sync.Mutex
	logger logrus.FieldLogger
}

var _ Backend = (*SQLiteBackend)(nil)

func NewSQLiteBackend(path string, logger logrus.FieldLogger) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %s", path)
	}

	query := `
	CREATE TABLE IF NOT EXISTS data (
		key INTEGER PRIMARY KEY,
		value INTEGER NOT NULL
	);`
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init table")
	}

	_, err = db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
	`)
	if err != nil {
		logger.WithField("action", "dataset_open").WithError(err).Warn("failed to set pragma")
	}

	return &SQLiteBackend{db: db, logger: logger}, nil
}

func (s *SQLiteBackend) Write(key common.KeyType, val common.ValueType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("INSERT OR REPLACE INTO data (key, value) VALUES (?, ?)", int64(key), int64(val))
	return errors.Wrapf(err, "write key %d", key)
}

// BatchWrite writes records in one transaction.
func (s *SQLiteBackend) BatchWrite(records []common.Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO data (key, value) VALUES (?, ?)")
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "prepare")
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.Exec(int64(rec.Key), int64(rec.Value)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "write key %d", rec.Key)
		}
	}

	return errors.Wrap(tx.Commit(), "commit")
}

func (s *SQLiteBackend) Read(key common.KeyType) (common.ValueType, bool, error) {
	var val int64
	err := s.db.QueryRow("SELECT value FROM data WHERE key = ?", int64(key)).Scan(&val)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "read key %d", key)
	}
	return common.ValueType(val), true, nil
}

func (s *SQLiteBackend) LoadAll() ([]common.Record, error) {
	rows, err := s.db.Query("SELECT key, value FROM data")
	if err != nil {
		return nil, errors.Wrap(err, "query")
	}
	defer rows.Close()

	var records []common.Record
	for rows.Next() {
		var k, v int64
		if err := rows.Scan(&k, &v); err != nil {
			return nil, errors.Wrap(err, "scan")
		}
		records = append(records, common.Record{Key: common.KeyType(k), Value: common.ValueType(v)})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate")
	}

	slices.SortFunc(records, func(a, b common.Record) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return records, nil
}

func (s *SQLiteBackend) Count() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM data").Scan(&n)
	return n, errors.Wrap(err, "count")
}

func (s *SQLiteBackend) Truncate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM data")
	return errors.Wrap(err, "truncate")
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
