package state

import (
	"sync"

	sessionerr "github.com/alexjbarnes/portal-session/internal/errors"
	"github.com/alexjbarnes/portal-session/internal/models"
)

// Memory is an in-process session store with the same contract as
// State. Nothing survives a restart.
type Memory struct {
	mu   sync.RWMutex
	sess models.Session
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// Get returns the stored session.
func (m *Memory) Get() (models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sess, nil
}

// Set replaces the stored session.
func (m *Memory) Set(sess models.Session) error {
	if !sess.Complete() {
		return sessionerr.ErrIncompleteSession
	}

	m.mu.Lock()
	m.sess = truncate(sess)
	m.mu.Unlock()

	return nil
}

// ReplaceIf writes next only if the stored refresh token equals refreshToken.
func (m *Memory) ReplaceIf(refreshToken string, next models.Session) (bool, error) {
	if !next.Complete() || next.Empty() {
		return false, sessionerr.ErrIncompleteSession
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess.Empty() || m.sess.RefreshToken != refreshToken {
		return false, nil
	}

	m.sess = truncate(next)

	return true, nil
}

// Clear empties the store.
func (m *Memory) Clear() error {
	m.mu.Lock()
	m.sess = models.Session{}
	m.mu.Unlock()

	return nil
}
