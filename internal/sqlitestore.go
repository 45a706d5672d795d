package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the backing implementation for Store: three tables
// (movies, episodes, downloads), nested fields JSON-encoded, guarded by
// a per-record mutex so concurrent UpdateDownload calls for the same id
// serialize instead of racing a read-modify-write.
type SQLiteStore struct {
	db    *sql.DB
	clock clockFunc

	recordLocksMu sync.Mutex
	recordLocks   map[string]*sync.Mutex
}

// OpenSQLiteStore opens (creating if necessary) a sqlite database at
// path and ensures its schema exists.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer is the simplest safe default
	s := &SQLiteStore{
		db:          db,
		clock:       defaultClock,
		recordLocks: make(map[string]*sync.Mutex),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS downloads (
			id TEXT PRIMARY KEY,
			item_type TEXT NOT NULL,
			quality TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			progress REAL NOT NULL DEFAULT 0,
			speed INTEGER,
			time_remaining INTEGER,
			num_peers INTEGER,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS movies (
			id TEXT PRIMARY KEY,
			torrents TEXT NOT NULL DEFAULT '[]',
			download TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS episodes (
			id TEXT PRIMARY KEY,
			torrents TEXT NOT NULL DEFAULT '[]',
			download TEXT NOT NULL DEFAULT '{}'
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// lockFor returns the mutex serializing writes to id, creating one on
// first use. Locks are never removed — bounded by the number of
// distinct downloads ever seen, not a leak in practice.
func (s *SQLiteStore) lockFor(id string) *sync.Mutex {
	s.recordLocksMu.Lock()
	defer s.recordLocksMu.Unlock()
	m, ok := s.recordLocks[id]
	if !ok {
		m = &sync.Mutex{}
		s.recordLocks[id] = m
	}
	return m
}

func (s *SQLiteStore) FindDownload(ctx context.Context, id string) (*Download, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, item_type, quality, type, status, progress, speed, time_remaining, num_peers, updated_at FROM downloads WHERE id = ?`, id)
	return scanDownload(row)
}

func (s *SQLiteStore) FindPending(ctx context.Context) ([]*Download, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, item_type, quality, type, status, progress, speed, time_remaining, num_peers, updated_at FROM downloads WHERE status IN ('queued','connecting','downloading') ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("find pending: %w", err)
	}
	defer rows.Close()

	var out []*Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FindItem(ctx context.Context, d *Download) (*Item, error) {
	table, err := itemTable(d.ItemType)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT id, torrents, download FROM %s WHERE id = ?`, table), d.ID)
	return scanItem(row, d.ItemType)
}

func (s *SQLiteStore) UpdateDownload(ctx context.Context, id string, patch map[string]any) (*Download, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	d, err := s.FindDownload(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mergeJSON(d, patch); err != nil {
		logSaveFailure("UpdateDownload", id, err)
		return d, nil
	}
	d.UpdatedAt = nowMillis(s.clock)

	_, err = s.db.ExecContext(ctx, `UPDATE downloads SET item_type=?, quality=?, type=?, status=?, progress=?, speed=?, time_remaining=?, num_peers=?, updated_at=? WHERE id=?`,
		d.ItemType, d.Quality, d.Type, d.Status, d.Progress, d.Speed, d.TimeRemaining, d.NumPeers, d.UpdatedAt, d.ID)
	if err != nil {
		logSaveFailure("UpdateDownload", id, err)
	}
	return d, nil
}

func (s *SQLiteStore) UpdateItemDownload(ctx context.Context, itemType ItemType, itemID string, patch map[string]any) (*Item, error) {
	lock := s.lockFor(string(itemType) + ":" + itemID)
	lock.Lock()
	defer lock.Unlock()

	table, err := itemTable(itemType)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT id, torrents, download FROM %s WHERE id = ?`, table), itemID)
	it, err := scanItem(row, itemType)
	if err != nil {
		return nil, err
	}
	if err := mergeJSON(&it.Download, patch); err != nil {
		logSaveFailure("UpdateItemDownload", itemID, err)
		return it, nil
	}

	downloadJSON, err := json.Marshal(it.Download)
	if err != nil {
		logSaveFailure("UpdateItemDownload", itemID, err)
		return it, nil
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET download=? WHERE id=?`, table), string(downloadJSON), itemID)
	if err != nil {
		logSaveFailure("UpdateItemDownload", itemID, err)
	}
	return it, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) SaveDownload(ctx context.Context, d *Download) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO downloads (id, item_type, quality, type, status, progress, speed, time_remaining, num_peers, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET item_type=excluded.item_type, quality=excluded.quality, type=excluded.type,
			status=excluded.status, progress=excluded.progress, speed=excluded.speed,
			time_remaining=excluded.time_remaining, num_peers=excluded.num_peers, updated_at=excluded.updated_at`,
		d.ID, d.ItemType, d.Quality, d.Type, d.Status, d.Progress, d.Speed, d.TimeRemaining, d.NumPeers, d.UpdatedAt)
	return err
}

func (s *SQLiteStore) SaveItem(ctx context.Context, item *Item) error {
	table, err := itemTable(item.Type)
	if err != nil {
		return err
	}
	torrentsJSON, err := json.Marshal(item.Torrents)
	if err != nil {
		return fmt.Errorf("marshal torrents: %w", err)
	}
	downloadJSON, err := json.Marshal(item.Download)
	if err != nil {
		return fmt.Errorf("marshal download subdoc: %w", err)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, torrents, download) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET torrents=excluded.torrents, download=excluded.download`, table),
		item.ID, string(torrentsJSON), string(downloadJSON))
	return err
}

func itemTable(t ItemType) (string, error) {
	switch t {
	case ItemMovie:
		return "movies", nil
	case ItemEpisode:
		return "episodes", nil
	default:
		return "", fmt.Errorf("unknown item type %q", t)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownload(row rowScanner) (*Download, error) {
	var d Download
	err := row.Scan(&d.ID, &d.ItemType, &d.Quality, &d.Type, &d.Status, &d.Progress, &d.Speed, &d.TimeRemaining, &d.NumPeers, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan download: %w", err)
	}
	return &d, nil
}

func scanItem(row rowScanner, t ItemType) (*Item, error) {
	var id, torrentsJSON, downloadJSON string
	err := row.Scan(&id, &torrentsJSON, &downloadJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan item: %w", err)
	}
	it := &Item{ID: id, Type: t}
	if err := json.Unmarshal([]byte(torrentsJSON), &it.Torrents); err != nil {
		return nil, fmt.Errorf("unmarshal torrents: %w", err)
	}
	if err := json.Unmarshal([]byte(downloadJSON), &it.Download); err != nil {
		return nil, fmt.Errorf("unmarshal download subdoc: %w", err)
	}
	return it, nil
}
