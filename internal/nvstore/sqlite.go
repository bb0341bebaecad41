package nvstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteOpTimeout = 2 * time.Second

// SQLiteStore keeps one row per written address. Missing rows read as erased.
type SQLiteStore struct {
	db   *sql.DB
	size int
}

func OpenSQLite(ctx context.Context, path string, size int) (*SQLiteStore, error) {
	if size <= 0 {
		size = DefaultSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite mkdir: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS eeprom(addr INTEGER PRIMARY KEY, val INTEGER NOT NULL)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite init schema: %w", err)
	}
	return &SQLiteStore{db: db, size: size}, nil
}

func (s *SQLiteStore) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, len(p), s.size); err != nil {
		return 0, err
	}
	for i := range p {
		p[i] = Erased
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqliteOpTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT addr, val FROM eeprom WHERE addr >= ? AND addr < ?`, off, off+int64(len(p)))
	if err != nil {
		return 0, fmt.Errorf("sqlite read: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var addr int64
		var val int
		if err := rows.Scan(&addr, &val); err != nil {
			return 0, fmt.Errorf("sqlite scan: %w", err)
		}
		p[addr-off] = byte(val)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("sqlite read: %w", err)
	}
	return len(p), nil
}

// WriteAt stores p in a single transaction.
func (s *SQLiteStore) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, len(p), s.size); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqliteOpTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite begin: %w", err)
	}
	for i, b := range p {
		if _, err := tx.ExecContext(ctx, `INSERT INTO eeprom(addr, val) VALUES(?, ?) ON CONFLICT(addr) DO UPDATE SET val = excluded.val`, off+int64(i), int(b)); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("sqlite write: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite commit: %w", err)
	}
	return len(p), nil
}

func (s *SQLiteStore) Size() int { return s.size }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
