// Package auth implements the identity provider behind the account gateway:
// password credentials, signed access tokens, persisted refresh sessions and a
// feed of authentication state changes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/vidfriends/vidgen/internal/models"
)

// Issuer is stamped into every access token.
const Issuer = "vidgen"

// MinPasswordLength is the shortest password Register accepts.
const MinPasswordLength = 8

var (
	// ErrSessionNotFound indicates the provided refresh token does not map to an active session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRefreshTokenExpired indicates the refresh token has expired and cannot be used.
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	// ErrAccessTokenExpired indicates the access token must be refreshed.
	ErrAccessTokenExpired = errors.New("access token expired")
	// ErrInvalidToken indicates a malformed or forged access token.
	ErrInvalidToken = errors.New("invalid access token")
	// ErrInvalidCredentials is returned for unknown emails and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrAccountExists indicates the email is already registered.
	ErrAccountExists = errors.New("account already exists")
	// ErrInvalidEmail indicates the email is not a valid address.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrWeakPassword indicates the password is too short.
	ErrWeakPassword = errors.New("password too short")
	// ErrCredentialNotFound is returned by a CredentialStore lookup miss.
	ErrCredentialNotFound = errors.New("credential not found")
)

// SessionStore persists issued refresh tokens so they can survive process restarts.
type SessionStore interface {
	Save(ctx context.Context, session Session) error
	Find(ctx context.Context, refreshToken string) (Session, error)
	Delete(ctx context.Context, refreshToken string) error
}

// CredentialStore persists password credentials keyed by email.
type CredentialStore interface {
	Create(ctx context.Context, cred Credential) error
	FindByEmail(ctx context.Context, email string) (Credential, error)
	FindByUserID(ctx context.Context, userID string) (Credential, error)
}

// Session represents a refresh token issued to a user.
type Session struct {
	RefreshToken string
	UserID       string
	ExpiresAt    time.Time
}

// Credential is a registered email/password identity.
type Credential struct {
	UserID        string
	Email         string
	PasswordHash  string
	DisplayName   string
	EmailVerified bool
	CreatedAt     time.Time
}

// Credentials is a sign-in attempt.
type Credentials struct {
	Email    string
	Password string
}

// Principal is the signed-in identity together with its live tokens.
type Principal struct {
	UserID        string
	ProviderID    string
	Email         string
	DisplayName   string
	EmailVerified bool
	Tokens        models.SessionTokens
}

// Manager signs users in and out, issues tokens and tracks the single active
// session of this process.
type Manager struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration

	store       SessionStore
	credentials CredentialStore
	events      *broadcaster
	now         func() time.Time

	mu      sync.Mutex
	current *Principal
}

// NewManager constructs a Manager that signs access tokens with secret and
// issues access and refresh tokens with the provided TTLs.
func NewManager(secret []byte, accessTTL, refreshTTL time.Duration, credentials CredentialStore, store SessionStore) *Manager {
	if store == nil {
		panic("auth: session store must not be nil")
	}
	if credentials == nil {
		panic("auth: credential store must not be nil")
	}
	return &Manager{
		secret:      secret,
		accessTTL:   accessTTL,
		refreshTTL:  refreshTTL,
		store:       store,
		credentials: credentials,
		events:      newBroadcaster(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Events subscribes to authentication state changes. The returned func
// unsubscribes and closes the channel.
func (m *Manager) Events() (<-chan Event, func()) {
	return m.events.subscribe()
}

// Register creates a password credential. The account is not signed in.
func (m *Manager) Register(ctx context.Context, email, password, displayName string) (Credential, error) {
	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return Credential{}, ErrInvalidEmail
	}
	if len(password) < MinPasswordLength {
		return Credential{}, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Credential{}, fmt.Errorf("hash password: %w", err)
	}

	cred := Credential{
		UserID:       uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		DisplayName:  strings.TrimSpace(displayName),
		CreatedAt:    m.now(),
	}
	if err := m.credentials.Create(ctx, cred); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// SignIn verifies creds and makes the resulting principal the active session.
func (m *Manager) SignIn(ctx context.Context, creds Credentials) (Principal, error) {
	cred, err := m.credentials.FindByEmail(ctx, normalizeEmail(creds.Email))
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return Principal{}, ErrInvalidCredentials
		}
		return Principal{}, fmt.Errorf("lookup credential: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(creds.Password)); err != nil {
		return Principal{}, ErrInvalidCredentials
	}

	principal, err := m.issue(ctx, principalFor(cred))
	if err != nil {
		return Principal{}, err
	}

	m.setCurrent(&principal)
	m.publish(EventSignedIn, principal.UserID)
	return principal, nil
}

// SignOut revokes the active refresh session. Local state is cleared only once
// the store has accepted the revocation.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current == nil {
		return nil
	}

	if err := m.store.Delete(ctx, current.Tokens.RefreshToken); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return fmt.Errorf("revoke session: %w", err)
	}

	m.setCurrent(nil)
	m.publish(EventSignedOut, current.UserID)
	return nil
}

// CurrentSession returns the active principal, refreshing its tokens when the
// access token has expired. ok is false when nobody is signed in or the
// refresh session is gone.
func (m *Manager) CurrentSession(ctx context.Context) (Principal, bool, error) {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current == nil {
		return Principal{}, false, nil
	}

	_, err := parseAccessToken(m.secret, current.Tokens.AccessToken, m.now)
	switch {
	case err == nil:
		return *current, true, nil
	case !errors.Is(err, ErrAccessTokenExpired):
		m.dropCurrent(current.UserID)
		return Principal{}, false, nil
	}

	refreshed, err := m.Refresh(ctx, current.Tokens.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrRefreshTokenExpired) {
			m.dropCurrent(current.UserID)
			return Principal{}, false, nil
		}
		return Principal{}, false, err
	}

	m.setCurrent(&refreshed)
	m.publish(EventTokenRefreshed, refreshed.UserID)
	return refreshed, true, nil
}

// Refresh exchanges a refresh token for a new principal with rotated tokens.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (Principal, error) {
	if refreshToken == "" {
		return Principal{}, ErrSessionNotFound
	}

	session, err := m.store.Find(ctx, refreshToken)
	if err != nil {
		return Principal{}, err
	}

	if m.now().After(session.ExpiresAt) {
		_ = m.store.Delete(ctx, refreshToken)
		return Principal{}, ErrRefreshTokenExpired
	}

	if err := m.store.Delete(ctx, refreshToken); err != nil {
		return Principal{}, err
	}

	cred, err := m.credentials.FindByUserID(ctx, session.UserID)
	if err != nil {
		return Principal{}, fmt.Errorf("lookup credential: %w", err)
	}
	return m.issue(ctx, principalFor(cred))
}

// Verify validates an access token and returns its claims.
func (m *Manager) Verify(accessToken string) (*Claims, error) {
	return parseAccessToken(m.secret, accessToken, m.now)
}

// NotifyUserUpdated tells subscribers that the signed-in user's profile changed.
func (m *Manager) NotifyUserUpdated(userID string) {
	m.publish(EventUserUpdated, userID)
}

func (m *Manager) issue(ctx context.Context, principal Principal) (Principal, error) {
	now := m.now()

	accessExpires := now.Add(m.accessTTL)
	accessToken, err := signAccessToken(m.secret, principal, now, accessExpires)
	if err != nil {
		return Principal{}, err
	}

	refreshToken, err := randomToken()
	if err != nil {
		return Principal{}, err
	}

	principal.Tokens = models.SessionTokens{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpires,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: now.Add(m.refreshTTL),
	}

	if err := m.store.Save(ctx, Session{
		RefreshToken: refreshToken,
		UserID:       principal.UserID,
		ExpiresAt:    principal.Tokens.RefreshExpiresAt,
	}); err != nil {
		return Principal{}, fmt.Errorf("save session: %w", err)
	}

	return principal, nil
}

func (m *Manager) setCurrent(p *Principal) {
	m.mu.Lock()
	m.current = p
	m.mu.Unlock()
}

func (m *Manager) dropCurrent(userID string) {
	m.setCurrent(nil)
	m.publish(EventSignedOut, userID)
}

func (m *Manager) publish(kind EventKind, userID string) {
	m.events.publish(Event{Kind: kind, UserID: userID, At: m.now()})
}

func principalFor(cred Credential) Principal {
	return Principal{
		UserID:        cred.UserID,
		ProviderID:    "email|" + cred.UserID,
		Email:         cred.Email,
		DisplayName:   cred.DisplayName,
		EmailVerified: cred.EmailVerified,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
