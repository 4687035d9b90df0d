// Package gateway scopes session state, profile and video-metadata records, and
// artifact storage to the signed-in principal.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vidfriends/vidgen/internal/auth"
	"github.com/vidfriends/vidgen/internal/logging"
	"github.com/vidfriends/vidgen/internal/models"
	"github.com/vidfriends/vidgen/internal/repositories"
)

// DefaultVideoSizeEstimate is the flat per-video byte count used by StorageUsage.
const DefaultVideoSizeEstimate int64 = 50_000_000

// AuthProvider is the identity provider behind the gateway.
type AuthProvider interface {
	SignIn(ctx context.Context, creds auth.Credentials) (auth.Principal, error)
	SignOut(ctx context.Context) error
	CurrentSession(ctx context.Context) (auth.Principal, bool, error)
	Events() (<-chan auth.Event, func())
}

// UserTable persists profiles keyed by auth id. Lookups that miss return
// repositories.ErrNotFound.
type UserTable interface {
	Upsert(ctx context.Context, user models.User) error
	FindByAuthID(ctx context.Context, authID string) (models.User, error)
	UpdatePreferences(ctx context.Context, authID string, update models.ProfileUpdate) error
}

// VideoTable persists video metadata keyed by id.
type VideoTable interface {
	Upsert(ctx context.Context, video models.Video) error
	Find(ctx context.Context, id string) (models.Video, error)
	ListByUser(ctx context.Context, userID string) ([]models.Video, error)
	CountByUser(ctx context.Context, userID string) (int, error)
	UpdateStatus(ctx context.Context, id string, status models.VideoStatus, errorMessage *string, updatedAt time.Time) error
	Delete(ctx context.Context, id string) error
	DeleteByStorageKey(ctx context.Context, key string) error
}

// ObjectStore holds video artifacts.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string, overwrite bool) (string, error)
	PublicURL(key string) string
	Download(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, keys ...string) error
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// State is the session snapshot delivered to subscribers.
type State struct {
	Authenticated bool
	User          models.User
}

// Options tunes a Gateway.
type Options struct {
	VideoSizeEstimate int64
	Now               func() time.Time
}

// Gateway owns the current-user snapshot and mediates every backend call made
// on the user's behalf.
type Gateway struct {
	auth    AuthProvider
	users   UserTable
	videos  VideoTable
	objects ObjectStore

	sizeEstimate int64
	now          func() time.Time

	mu   sync.RWMutex
	user *models.User

	// writeMu serializes every read-modify-write of the user row.
	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[int]chan State
	nextID int
}

// New constructs a Gateway over its collaborators.
func New(provider AuthProvider, users UserTable, videos VideoTable, objects ObjectStore, opts Options) *Gateway {
	if opts.VideoSizeEstimate <= 0 {
		opts.VideoSizeEstimate = DefaultVideoSizeEstimate
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Gateway{
		auth:         provider,
		users:        users,
		videos:       videos,
		objects:      objects,
		sizeEstimate: opts.VideoSizeEstimate,
		now:          opts.Now,
		subs:         make(map[int]chan State),
	}
}

// SignIn exchanges creds with the provider, upserts the profile keyed by the
// provider's user id and reloads it.
func (g *Gateway) SignIn(ctx context.Context, creds auth.Credentials) (models.User, error) {
	principal, err := g.auth.SignIn(ctx, creds)
	if err != nil {
		return models.User{}, wrap(ErrAuthenticationFailed, err)
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	user, err := g.syncProfile(ctx, principal)
	if err != nil {
		return models.User{}, wrap(ErrAuthenticationFailed, err)
	}

	g.setUser(&user)
	logging.FromContext(ctx).Info("user signed in", "userId", user.AuthID)
	return user, nil
}

// SignOut ends the provider session. Local state is cleared only when the
// provider accepted the sign-out.
func (g *Gateway) SignOut(ctx context.Context) error {
	if _, err := g.requireUser(); err != nil {
		return err
	}
	if err := g.auth.SignOut(ctx); err != nil {
		return wrap(ErrSignOutFailed, err)
	}
	g.setUser(nil)
	logging.FromContext(ctx).Info("user signed out")
	return nil
}

// CheckSession restores the principal from an existing provider session. It
// reports false without error when the provider has no session.
func (g *Gateway) CheckSession(ctx context.Context) (bool, error) {
	principal, ok, err := g.auth.CurrentSession(ctx)
	if err != nil {
		return false, wrap(ErrAuthenticationFailed, err)
	}
	if !ok {
		g.setUser(nil)
		return false, nil
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	user, err := g.users.FindByAuthID(ctx, principal.UserID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return false, wrap(ErrUserNotFound, err)
		}
		return false, wrap(ErrAuthenticationFailed, err)
	}

	g.setUser(&user)
	return true, nil
}

// SaveProfile upserts the full profile and makes it the current snapshot.
func (g *Gateway) SaveProfile(ctx context.Context, user models.User) error {
	if _, err := g.requireUser(); err != nil {
		return err
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	user.UpdatedAt = g.now()
	if err := g.users.Upsert(ctx, user); err != nil {
		return wrap(ErrProfileSaveFailed, err)
	}
	g.setUser(&user)
	return nil
}

// UpdatePreferences writes the non-nil fields of update and reloads the profile.
func (g *Gateway) UpdatePreferences(ctx context.Context, update models.ProfileUpdate) (models.User, error) {
	current, err := g.requireUser()
	if err != nil {
		return models.User{}, err
	}
	if update.Empty() {
		return current, nil
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	if err := g.users.UpdatePreferences(ctx, current.AuthID, update); err != nil {
		return models.User{}, wrap(ErrProfileUpdateFailed, err)
	}

	user, err := g.users.FindByAuthID(ctx, current.AuthID)
	if err != nil {
		return models.User{}, wrap(ErrProfileUpdateFailed, err)
	}
	g.setUser(&user)
	return user, nil
}

// CurrentUser returns the signed-in profile snapshot.
func (g *Gateway) CurrentUser() (models.User, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.user == nil {
		return models.User{}, false
	}
	return *g.user, true
}

// IsAuthenticated reports whether a profile snapshot is held.
func (g *Gateway) IsAuthenticated() bool {
	_, ok := g.CurrentUser()
	return ok
}

// Subscribe delivers the session state after every change. The returned func
// unsubscribes and closes the channel.
func (g *Gateway) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 8)

	g.subsMu.Lock()
	id := g.nextID
	g.nextID++
	g.subs[id] = ch
	g.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			g.subsMu.Lock()
			delete(g.subs, id)
			g.subsMu.Unlock()
			close(ch)
		})
	}
}

// WatchAuth follows provider events until ctx ends or the provider closes its
// stream. Sign-in, refresh and profile events reload the session; sign-out
// clears it. Failures are delivered on the returned channel, which is closed
// when watching stops.
func (g *Gateway) WatchAuth(ctx context.Context) <-chan error {
	events, unsubscribe := g.auth.Events()
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := g.handleAuthEvent(ctx, ev); err != nil {
					select {
					case errs <- err:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return errs
}

func (g *Gateway) handleAuthEvent(ctx context.Context, ev auth.Event) error {
	switch ev.Kind {
	case auth.EventSignedIn, auth.EventTokenRefreshed, auth.EventUserUpdated:
		_, err := g.CheckSession(ctx)
		return err
	case auth.EventSignedOut:
		g.setUser(nil)
		return nil
	default:
		logging.FromContext(ctx).Debug("ignoring auth event", "kind", ev.Kind)
		return nil
	}
}

// syncProfile builds the profile for principal on top of any stored row, upserts
// it and reads it back.
func (g *Gateway) syncProfile(ctx context.Context, principal auth.Principal) (models.User, error) {
	now := g.now()

	user, err := g.users.FindByAuthID(ctx, principal.UserID)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		user = models.User{
			AuthID:               principal.UserID,
			Tier:                 models.TierFree,
			LastDailyReset:       now,
			DefaultAspectRatio:   models.AspectLandscape,
			DefaultDuration:      models.DefaultDuration,
			NotificationsEnabled: true,
			CreatedAt:            now,
		}
	case err != nil:
		return models.User{}, err
	}

	user.ProviderID = principal.ProviderID
	user.Email = principal.Email
	user.EmailVerified = principal.EmailVerified
	if user.DisplayName == "" {
		user.DisplayName = principal.DisplayName
	}
	user.UpdatedAt = now

	if err := g.users.Upsert(ctx, user); err != nil {
		return models.User{}, err
	}
	return g.users.FindByAuthID(ctx, principal.UserID)
}

// updateUser reloads the signed-in user's row, applies fn and persists the
// result as the new snapshot. fn runs with writeMu held.
func (g *Gateway) updateUser(ctx context.Context, fn func(*models.User) error) (models.User, error) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	current, err := g.requireUser()
	if err != nil {
		return models.User{}, err
	}
	user, err := g.users.FindByAuthID(ctx, current.AuthID)
	if err != nil {
		return models.User{}, fmt.Errorf("load user: %w", err)
	}
	if err := fn(&user); err != nil {
		return models.User{}, err
	}

	user.UpdatedAt = g.now()
	if err := g.users.Upsert(ctx, user); err != nil {
		return models.User{}, fmt.Errorf("save user: %w", err)
	}
	g.setUser(&user)
	return user, nil
}

func (g *Gateway) requireUser() (models.User, error) {
	user, ok := g.CurrentUser()
	if !ok {
		return models.User{}, ErrUserNotAuthenticated
	}
	return user, nil
}

func (g *Gateway) setUser(user *models.User) {
	var state State
	g.mu.Lock()
	if user == nil {
		g.user = nil
	} else {
		u := *user
		g.user = &u
		state = State{Authenticated: true, User: u}
	}
	g.mu.Unlock()

	g.subsMu.Lock()
	defer g.subsMu.Unlock()
	for _, ch := range g.subs {
		select {
		case ch <- state:
		default:
		}
	}
}
