// Package accounts implements the persisted credential store: a mapping of
// Google account IDs to token material, plus the active-account pointer.
// The in-memory state is authoritative between flushes; the JSON file on
// disk is a best-effort durable copy written atomically after mutations.
// This is a leaf package — googleauth and the CLI both depend on it.
package accounts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FilePerms restricts the accounts file to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the data directory.
const DirPerms = 0o700

// ErrStorage wraps any failure of the backing medium on Save. Callers log
// it and continue with in-memory state; the session simply will not
// survive a restart.
var ErrStorage = errors.New("accounts: storage unavailable")

// Account is one linked Google account and its token material.
// ExpiresAt is epoch milliseconds after which AccessToken must be treated
// as invalid. RefreshToken may be empty when Google withheld it
// (consent was already granted in a previous flow).
type Account struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	PhotoURL     string `json:"photo_url,omitempty"`
}

// Expired reports whether the access token is expired or expires within
// the lookahead buffer.
func (a Account) Expired(lookahead time.Duration) bool {
	return a.ExpiresAt-lookahead.Milliseconds() <= time.Now().UnixMilli()
}

// Patch holds partial updates for Upsert. Pointer fields distinguish
// "not specified" (nil, leave the stored value alone) from "explicitly
// set to empty" — this matters because a refresh response without a
// refresh_token must never null out the stored one.
type Patch struct {
	Email        *string
	AccessToken  *string
	RefreshToken *string
	ExpiresAt    *int64
	PhotoURL     *string
}

// fileState is the on-disk JSON shape.
type fileState struct {
	Accounts map[string]Account `json:"accounts"`
	ActiveID string             `json:"active_account_id"`
}

// Store is the credential store. All methods are safe for concurrent use.
type Store struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	accounts map[string]Account
	activeID string
}

// Load constructs a Store from the accounts file at path. It fails soft:
// any read or decode error yields an empty store rather than an error, so
// a corrupt file degrades to "signed out" instead of a crash. A stale
// active pointer is healed to the first remaining account or empty.
func Load(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		path:     path,
		logger:   logger,
		accounts: make(map[string]Account),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s
	}

	if err != nil {
		logger.Warn("reading accounts file failed, starting empty",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return s
	}

	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		logger.Warn("decoding accounts file failed, starting empty",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return s
	}

	if st.Accounts != nil {
		s.accounts = st.Accounts
	}

	s.activeID = st.ActiveID
	s.healActiveLocked()

	return s
}

// Reload re-reads the accounts file and replaces the in-memory state.
// Fails soft the same way Load does: an unreadable or corrupt file
// leaves the current state untouched. Used by long-running processes to
// pick up accounts added by another process.
func (s *Store) Reload() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("reloading accounts file failed",
				slog.String("path", s.path),
				slog.String("error", err.Error()),
			)
		}

		return
	}

	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn("decoding accounts file on reload failed",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if st.Accounts != nil {
		s.accounts = st.Accounts
	} else {
		s.accounts = make(map[string]Account)
	}

	s.activeID = st.ActiveID
	s.healActiveLocked()
}

// healActiveLocked enforces the invariant that activeID, if non-empty,
// references a stored account. Callers must hold mu (or be pre-publication).
func (s *Store) healActiveLocked() {
	if s.activeID == "" {
		return
	}

	if _, ok := s.accounts[s.activeID]; ok {
		return
	}

	s.activeID = firstKey(s.accounts)
	s.logger.Debug("healed stale active account pointer",
		slog.String("active_id", s.activeID),
	)
}

// firstKey returns the first account ID in sorted order, or "" when empty.
// Sorted so re-derivation of the active account is deterministic.
func firstKey(m map[string]Account) string {
	if len(m) == 0 {
		return ""
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys[0]
}

// Get returns the account for id and whether it exists.
func (s *Store) Get(id string) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]

	return a, ok
}

// List returns all accounts sorted by email for stable display order.
func (s *Store) List() []Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })

	return out
}

// Len returns the number of linked accounts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.accounts)
}

// ActiveID returns the active account ID, or "" when signed out.
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.activeID
}

// Active returns the active account and whether one exists.
func (s *Store) Active() (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[s.activeID]

	return a, ok
}

// SetActive updates the active pointer. Setting an unknown ID is rejected.
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if _, ok := s.accounts[id]; !ok {
			return fmt.Errorf("accounts: unknown account %q", id)
		}
	}

	s.activeID = id

	return nil
}

// FindByEmail returns the account with the given email, if any.
func (s *Store) FindByEmail(email string) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.accounts {
		if a.Email == email {
			return a, true
		}
	}

	return Account{}, false
}

// Upsert merges patch into the record for id, creating it if absent.
// Nil patch fields never overwrite stored values. Returns the merged record.
func (s *Store) Upsert(id string, patch Patch) Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.accounts[id]
	a.ID = id

	if patch.Email != nil {
		a.Email = *patch.Email
	}

	if patch.AccessToken != nil {
		a.AccessToken = *patch.AccessToken
	}

	if patch.RefreshToken != nil {
		a.RefreshToken = *patch.RefreshToken
	}

	if patch.ExpiresAt != nil {
		a.ExpiresAt = *patch.ExpiresAt
	}

	if patch.PhotoURL != nil {
		a.PhotoURL = *patch.PhotoURL
	}

	s.accounts[id] = a

	return a
}

// Remove deletes the record for id. If it was the active account, the
// active pointer is re-derived as the first remaining key or empty.
// Returns the new active ID.
func (s *Store) Remove(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.accounts, id)

	if s.activeID == id {
		s.activeID = firstKey(s.accounts)
	}

	return s.activeID
}

// Save persists the current state to disk atomically (write-to-temp +
// rename, fsync before rename). Never logs token values. Backing-medium
// failures return an error wrapping ErrStorage; the in-memory state stays
// authoritative either way.
func (s *Store) Save() error {
	s.mu.Lock()
	st := fileState{
		Accounts: make(map[string]Account, len(s.accounts)),
		ActiveID: s.activeID,
	}

	for k, v := range s.accounts {
		st.Accounts[k] = v
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding: %w", ErrStorage, err)
	}

	dir := filepath.Dir(s.path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("%w: creating directory %s: %w", ErrStorage, dir, mkErr)
	}

	// Atomic write: temp file in the same directory, then rename.
	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".accounts-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %w", ErrStorage, err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: setting permissions: %w", ErrStorage, err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing: %w", ErrStorage, err)
	}

	// Flush to stable storage before rename so a power loss between close
	// and rename cannot leave an empty or partial accounts file.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: syncing: %w", ErrStorage, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing: %w", ErrStorage, err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("%w: renaming: %w", ErrStorage, err)
	}

	success = true

	return nil
}

// SaveBestEffort persists and logs on failure instead of returning an
// error. Mutation paths use this: persistence is fire-and-forget, the
// in-memory state is the source of truth for the current session.
func (s *Store) SaveBestEffort() {
	if err := s.Save(); err != nil {
		s.logger.Warn("persisting accounts failed, continuing in memory",
			slog.String("error", err.Error()),
		)
	}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// StringPtr returns a pointer to v, for building Patch values.
func StringPtr(v string) *string { return &v }

// Int64Ptr returns a pointer to v, for building Patch values.
func Int64Ptr(v int64) *int64 { return &v }
