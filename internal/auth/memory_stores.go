package auth

import (
	"context"
	"sync"
	"time"
)

// InMemorySessionStore is a SessionStore for tests and local development. It
// follows the same contract as the Postgres store: refresh tokens are single
// use and deleting an unknown token reports ErrSessionNotFound.
type InMemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// NewInMemorySessionStore returns an empty session store.
func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: make(map[string]Session)}
}

func (s *InMemorySessionStore) Save(_ context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.RefreshToken] = session
	return nil
}

func (s *InMemorySessionStore) Find(_ context.Context, refreshToken string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[refreshToken]; ok {
		return session, nil
	}
	return Session{}, ErrSessionNotFound
}

func (s *InMemorySessionStore) Delete(_ context.Context, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[refreshToken]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, refreshToken)
	return nil
}

// PurgeExpired drops sessions that expired before now.
func (s *InMemorySessionStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for token, session := range s.sessions {
		if session.ExpiresAt.Before(now) {
			delete(s.sessions, token)
			n++
		}
	}
	return n, nil
}

// Has reports whether refreshToken is live in the store.
func (s *InMemorySessionStore) Has(refreshToken string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[refreshToken]
	return ok
}

// InMemoryCredentialStore is a CredentialStore for tests and local development.
type InMemoryCredentialStore struct {
	mu      sync.RWMutex
	byEmail map[string]Credential
	byID    map[string]string
}

// NewInMemoryCredentialStore returns an empty credential store.
func NewInMemoryCredentialStore() *InMemoryCredentialStore {
	return &InMemoryCredentialStore{
		byEmail: make(map[string]Credential),
		byID:    make(map[string]string),
	}
}

// Create stores cred, rejecting duplicate emails with ErrAccountExists.
func (s *InMemoryCredentialStore) Create(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[cred.Email]; ok {
		return ErrAccountExists
	}
	s.byEmail[cred.Email] = cred
	s.byID[cred.UserID] = cred.Email
	return nil
}

func (s *InMemoryCredentialStore) FindByEmail(_ context.Context, email string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.byEmail[email]
	if !ok {
		return Credential{}, ErrCredentialNotFound
	}
	return cred, nil
}

func (s *InMemoryCredentialStore) FindByUserID(_ context.Context, userID string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email, ok := s.byID[userID]
	if !ok {
		return Credential{}, ErrCredentialNotFound
	}
	return s.byEmail[email], nil
}
