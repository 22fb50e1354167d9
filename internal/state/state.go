package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	sessionerr "github.com/alexjbarnes/portal-session/internal/errors"
	"github.com/alexjbarnes/portal-session/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.portal-session/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	sessionBucket = []byte("session")
	recordKey     = []byte("record")
)

// persistedSession is the on-disk layout of the session record.
// ExpiresAt is epoch milliseconds.
type persistedSession struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
	Username     string `json:"username"`
	DisplayName  string `json:"displayName,omitempty"`
}

func encodeSession(s models.Session) ([]byte, error) {
	p := persistedSession{
		Token:        s.AccessToken,
		RefreshToken: s.RefreshToken,
		Username:     s.Username,
		DisplayName:  s.DisplayName,
	}
	if !s.ExpiresAt.IsZero() {
		p.ExpiresAt = s.ExpiresAt.UnixMilli()
	}

	return json.Marshal(p)
}

// decodeSession parses a stored record. Anything that does not satisfy
// the token/expiry invariant decodes as an empty session.
func decodeSession(data []byte) (models.Session, error) {
	var p persistedSession
	if err := json.Unmarshal(data, &p); err != nil {
		return models.Session{}, fmt.Errorf("decoding session record: %w", err)
	}

	if p.Token == "" || p.ExpiresAt <= 0 {
		return models.Session{}, fmt.Errorf("decoding session record: %w", sessionerr.ErrIncompleteSession)
	}

	return models.Session{
		AccessToken:  p.Token,
		RefreshToken: p.RefreshToken,
		ExpiresAt:    time.UnixMilli(p.ExpiresAt),
		Username:     p.Username,
		DisplayName:  p.DisplayName,
	}, nil
}

// truncate brings a record to the precision the store persists, so
// callers comparing a written record with a read one see equal values.
func truncate(s models.Session) models.Session {
	if !s.ExpiresAt.IsZero() {
		s.ExpiresAt = time.UnixMilli(s.ExpiresAt.UnixMilli())
	}

	return s
}

// State wraps a bbolt database holding the session record. Every write
// is a single transaction replacing the whole record, so readers never
// observe a partially updated or partially cleared session.
type State struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Load opens the state database at ~/.portal-session/state.db, creating
// it if it does not exist.
func Load(logger *slog.Logger) (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path, logger)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string, logger *slog.Logger) (*State, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Get returns the stored session. A missing or malformed record is
// reported as an empty session so callers treat it as unauthenticated.
func (s *State) Get() (models.Session, error) {
	var sess models.Session

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionBucket).Get(recordKey)
		if v == nil {
			return nil
		}

		decoded, err := decodeSession(v)
		if err != nil {
			s.logger.Warn("ignoring unreadable session record", slog.String("error", err.Error()))
			return nil
		}

		sess = decoded

		return nil
	})

	return sess, err
}

// Set replaces the stored session. Records that break the token/expiry
// invariant are rejected. Setting an empty session is equivalent to Clear.
func (s *State) Set(sess models.Session) error {
	if !sess.Complete() {
		return sessionerr.ErrIncompleteSession
	}

	if sess.Empty() {
		return s.Clear()
	}

	data, err := encodeSession(sess)
	if err != nil {
		return fmt.Errorf("encoding session record: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put(recordKey, data)
	})
}

// ReplaceIf writes next only if the stored refresh token still equals
// refreshToken. The check and the write happen in one transaction.
// Returns false without writing when the stored record has moved on.
func (s *State) ReplaceIf(refreshToken string, next models.Session) (bool, error) {
	if !next.Complete() || next.Empty() {
		return false, sessionerr.ErrIncompleteSession
	}

	data, err := encodeSession(next)
	if err != nil {
		return false, fmt.Errorf("encoding session record: %w", err)
	}

	swapped := false

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)

		v := b.Get(recordKey)
		if v == nil {
			return nil
		}

		cur, err := decodeSession(v)
		if err != nil || cur.RefreshToken != refreshToken {
			return nil
		}

		swapped = true

		return b.Put(recordKey, data)
	})

	return swapped, err
}

// Clear removes the stored session in a single transaction.
func (s *State) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete(recordKey)
	})
}

// DefaultPath returns ~/.portal-session/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".portal-session", "state.db"), nil
}
