// Package localdata persists per-account view caches, pinned files, and
// display preferences in an embedded SQLite database. Everything here is
// reconstructible: caches from the Drive API, pins and prefs are the only
// user data, and losing the whole file costs one re-fetch plus re-pinning.
package localdata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/drivedesk/drivedesk-go/internal/gdrive"
)

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// Store is the SQLite-backed local data store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	cacheStmts cacheStatements
	pinStmts   pinStatements
	prefStmts  prefStatements
}

type cacheStatements struct {
	get, put, clearAccount, clearAll *sql.Stmt
}

type pinStatements struct {
	list, insert, remove, minPosition, clearAccount *sql.Stmt
}

type prefStatements struct {
	get, set *sql.Stmt
}

// Open opens (creating if needed) the database at dbPath, applies
// migrations, and prepares the repeated statements. Use ":memory:" for
// tests.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("localdata: open sqlite: %w", err)
	}

	ctx := context.Background()

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("localdata: prepare statements: %w", err)
	}

	logger.Debug("local data store ready", slog.String("path", dbPath))

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("localdata: set pragma %q: %w", p, err)
		}
	}

	return nil
}

func (s *Store) prepareStatements(ctx context.Context) error {
	stmts := []struct {
		target **sql.Stmt
		query  string
	}{
		{&s.cacheStmts.get, `SELECT payload, fetched_at FROM view_cache WHERE account_id = ? AND view = ?`},
		{&s.cacheStmts.put, `INSERT INTO view_cache (account_id, view, payload, fetched_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (account_id, view) DO UPDATE SET payload = excluded.payload, fetched_at = excluded.fetched_at`},
		{&s.cacheStmts.clearAccount, `DELETE FROM view_cache WHERE account_id = ?`},
		{&s.cacheStmts.clearAll, `DELETE FROM view_cache`},

		{&s.pinStmts.list, `SELECT file_id FROM pins WHERE account_id = ? ORDER BY position ASC`},
		{&s.pinStmts.insert, `INSERT INTO pins (account_id, file_id, position) VALUES (?, ?, ?)
			ON CONFLICT (account_id, file_id) DO NOTHING`},
		{&s.pinStmts.remove, `DELETE FROM pins WHERE account_id = ? AND file_id = ?`},
		{&s.pinStmts.minPosition, `SELECT COALESCE(MIN(position), 0) FROM pins WHERE account_id = ?`},
		{&s.pinStmts.clearAccount, `DELETE FROM pins WHERE account_id = ?`},

		{&s.prefStmts.get, `SELECT value FROM prefs WHERE key = ?`},
		{&s.prefStmts.set, `INSERT INTO prefs (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`},
	}

	for _, st := range stmts {
		prepared, err := s.db.PrepareContext(ctx, st.query)
		if err != nil {
			return fmt.Errorf("preparing %q: %w", st.query, err)
		}

		*st.target = prepared
	}

	return nil
}

// Close closes the database. Prepared statements are finalized by the
// driver when the connection closes.
func (s *Store) Close() error {
	return s.db.Close()
}

// CacheFiles stores a fetched file listing for one account and view.
func (s *Store) CacheFiles(ctx context.Context, accountID, view string, files []gdrive.File) error {
	payload, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("localdata: encoding cache payload: %w", err)
	}

	if _, err := s.cacheStmts.put.ExecContext(ctx, accountID, view, string(payload), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("localdata: caching files: %w", err)
	}

	return nil
}

// CachedFiles returns a cached listing no older than maxAge, or ok=false
// when there is none.
func (s *Store) CachedFiles(ctx context.Context, accountID, view string, maxAge time.Duration) ([]gdrive.File, bool, error) {
	var (
		payload   string
		fetchedAt int64
	)

	err := s.cacheStmts.get.QueryRowContext(ctx, accountID, view).Scan(&payload, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("localdata: reading cache: %w", err)
	}

	if time.Since(time.UnixMilli(fetchedAt)) > maxAge {
		return nil, false, nil
	}

	var files []gdrive.File
	if err := json.Unmarshal([]byte(payload), &files); err != nil {
		// A corrupt row is treated as a miss; the next fetch overwrites it.
		s.logger.Warn("discarding corrupt cache row",
			slog.String("account_id", accountID),
			slog.String("view", view),
		)

		return nil, false, nil
	}

	return files, true, nil
}

// ClearAccount drops cached listings for one account. Pins survive; they
// are user data, not cache.
func (s *Store) ClearAccount(accountID string) error {
	if _, err := s.cacheStmts.clearAccount.Exec(accountID); err != nil {
		return fmt.Errorf("localdata: clearing account cache: %w", err)
	}

	return nil
}

// ClearAll drops every cached listing.
func (s *Store) ClearAll() error {
	if _, err := s.cacheStmts.clearAll.Exec(); err != nil {
		return fmt.Errorf("localdata: clearing caches: %w", err)
	}

	return nil
}

// RemoveAccountData drops everything stored for an account, pins
// included. Used on logout.
func (s *Store) RemoveAccountData(ctx context.Context, accountID string) error {
	if err := s.ClearAccount(accountID); err != nil {
		return err
	}

	if _, err := s.pinStmts.clearAccount.ExecContext(ctx, accountID); err != nil {
		return fmt.Errorf("localdata: clearing pins: %w", err)
	}

	return nil
}

// Pins returns the account's pinned file IDs, most recently pinned
// first.
func (s *Store) Pins(ctx context.Context, accountID string) ([]string, error) {
	rows, err := s.pinStmts.list.QueryContext(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("localdata: listing pins: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("localdata: scanning pin: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("localdata: iterating pins: %w", err)
	}

	return ids, nil
}

// Pin prepends a file to the account's pin list. Pinning an already
// pinned file is a no-op.
func (s *Store) Pin(ctx context.Context, accountID, fileID string) error {
	var minPos int64
	if err := s.pinStmts.minPosition.QueryRowContext(ctx, accountID).Scan(&minPos); err != nil {
		return fmt.Errorf("localdata: reading pin positions: %w", err)
	}

	if _, err := s.pinStmts.insert.ExecContext(ctx, accountID, fileID, minPos-1); err != nil {
		return fmt.Errorf("localdata: pinning file: %w", err)
	}

	return nil
}

// Unpin removes a file from the account's pin list. Unpinning an
// unpinned file is a no-op.
func (s *Store) Unpin(ctx context.Context, accountID, fileID string) error {
	if _, err := s.pinStmts.remove.ExecContext(ctx, accountID, fileID); err != nil {
		return fmt.Errorf("localdata: unpinning file: %w", err)
	}

	return nil
}

// SetPref stores a display preference.
func (s *Store) SetPref(ctx context.Context, key, value string) error {
	if _, err := s.prefStmts.set.ExecContext(ctx, key, value); err != nil {
		return fmt.Errorf("localdata: setting pref %q: %w", key, err)
	}

	return nil
}

// Pref reads a display preference, returning fallback when unset.
func (s *Store) Pref(ctx context.Context, key, fallback string) (string, error) {
	var value string

	err := s.prefStmts.get.QueryRowContext(ctx, key).Scan(&value)
	if err == sql.ErrNoRows {
		return fallback, nil
	}

	if err != nil {
		return "", fmt.Errorf("localdata: reading pref %q: %w", key, err)
	}

	return value, nil
}
