package gateway

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vidfriends/vidgen/internal/auth"
	"github.com/vidfriends/vidgen/internal/models"
	"github.com/vidfriends/vidgen/internal/repositories"
)

type fakeAuth struct {
	mu         sync.Mutex
	principal  *auth.Principal
	signInErr  error
	signOutErr error
	sessionErr error
	events     chan auth.Event
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{events: make(chan auth.Event, 8)}
}

func (f *fakeAuth) SignIn(_ context.Context, creds auth.Credentials) (auth.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signInErr != nil {
		return auth.Principal{}, f.signInErr
	}
	p := auth.Principal{
		UserID:        "auth-" + strings.Split(creds.Email, "@")[0],
		ProviderID:    "email|" + creds.Email,
		Email:         creds.Email,
		DisplayName:   "Ada",
		EmailVerified: true,
	}
	f.principal = &p
	return p, nil
}

func (f *fakeAuth) SignOut(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signOutErr != nil {
		return f.signOutErr
	}
	f.principal = nil
	return nil
}

func (f *fakeAuth) CurrentSession(context.Context) (auth.Principal, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessionErr != nil {
		return auth.Principal{}, false, f.sessionErr
	}
	if f.principal == nil {
		return auth.Principal{}, false, nil
	}
	return *f.principal, true, nil
}

func (f *fakeAuth) Events() (<-chan auth.Event, func()) {
	return f.events, func() {}
}

type memUsers struct {
	mu        sync.Mutex
	rows      map[string]models.User
	upsertErr error
	updateErr error
	upserts   int
}

func newMemUsers() *memUsers {
	return &memUsers{rows: make(map[string]models.User)}
}

func (m *memUsers) Upsert(_ context.Context, user models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserts++
	if existing, ok := m.rows[user.AuthID]; ok {
		user.ID = existing.ID
	} else if user.ID == "" {
		user.ID = "row-" + user.AuthID
	}
	m.rows[user.AuthID] = user
	return nil
}

func (m *memUsers) FindByAuthID(_ context.Context, authID string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.rows[authID]
	if !ok {
		return models.User{}, repositories.ErrNotFound
	}
	return user, nil
}

func (m *memUsers) UpdatePreferences(_ context.Context, authID string, update models.ProfileUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	user, ok := m.rows[authID]
	if !ok {
		return repositories.ErrNotFound
	}
	if update.DisplayName != nil {
		user.DisplayName = *update.DisplayName
	}
	if update.AvatarURL != nil {
		user.AvatarURL = *update.AvatarURL
	}
	if update.DefaultAspectRatio != nil {
		user.DefaultAspectRatio = *update.DefaultAspectRatio
	}
	if update.DefaultDuration != nil {
		user.DefaultDuration = *update.DefaultDuration
	}
	if update.NotificationsEnabled != nil {
		user.NotificationsEnabled = *update.NotificationsEnabled
	}
	if update.Tier != nil {
		user.Tier = *update.Tier
	}
	m.rows[authID] = user
	return nil
}

func (m *memUsers) get(authID string) models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[authID]
}

type memVideos struct {
	mu        sync.Mutex
	rows      map[string]models.Video
	upsertErr error
	countErr  error
}

func newMemVideos() *memVideos {
	return &memVideos{rows: make(map[string]models.Video)}
}

func (m *memVideos) Upsert(_ context.Context, video models.Video) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.rows[video.ID] = video
	return nil
}

func (m *memVideos) Find(_ context.Context, id string) (models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.rows[id]
	if !ok {
		return models.Video{}, repositories.ErrNotFound
	}
	return v, nil
}

func (m *memVideos) ListByUser(_ context.Context, userID string) ([]models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Video
	for _, v := range m.rows {
		if v.UserID == userID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memVideos) CountByUser(ctx context.Context, userID string) (int, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	list, _ := m.ListByUser(ctx, userID)
	return len(list), nil
}

func (m *memVideos) UpdateStatus(_ context.Context, id string, status models.VideoStatus, errorMessage *string, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.rows[id]
	if !ok {
		return repositories.ErrNotFound
	}
	v.Status = status
	v.ErrorMessage = errorMessage
	v.UpdatedAt = updatedAt
	m.rows[id] = v
	return nil
}

func (m *memVideos) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return repositories.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

func (m *memVideos) DeleteByStorageKey(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, v := range m.rows {
		if v.StorageKey == key {
			delete(m.rows, id)
			return nil
		}
	}
	return repositories.ErrNotFound
}

type memObjects struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
	removeErr error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (m *memObjects) Upload(_ context.Context, key string, data []byte, _ string, _ bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	m.objects[key] = append([]byte(nil), data...)
	return key, nil
}

func (m *memObjects) PublicURL(key string) string {
	return "https://cdn.example/" + key
}

func (m *memObjects) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return data, nil
}

func (m *memObjects) Remove(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeErr != nil {
		return m.removeErr
	}
	for _, k := range keys {
		delete(m.objects, k)
	}
	return nil
}

func (m *memObjects) SignedURL(_ context.Context, key string, expiry time.Duration) (string, error) {
	return "https://signed.example/" + key + "?expires=" + expiry.String(), nil
}

func (m *memObjects) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}
