package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidfriends/vidgen/internal/auth"
	"github.com/vidfriends/vidgen/internal/models"
	"github.com/vidfriends/vidgen/internal/repositories"
)

type fixture struct {
	gw      *Gateway
	auth    *fakeAuth
	users   *memUsers
	videos  *memVideos
	objects *memObjects
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		auth:    newFakeAuth(),
		users:   newMemUsers(),
		videos:  newMemVideos(),
		objects: newMemObjects(),
		now:     time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	f.gw = New(f.auth, f.users, f.videos, f.objects, Options{
		VideoSizeEstimate: 50_000_000,
		Now:               func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) signIn(t *testing.T) models.User {
	t.Helper()
	user, err := f.gw.SignIn(context.Background(), auth.Credentials{Email: "ada@example.com", Password: "pw"})
	require.NoError(t, err)
	return user
}

func TestOperationsRequireSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	checks := map[string]func() error{
		"save profile":  func() error { return f.gw.SaveProfile(ctx, models.User{AuthID: "x"}) },
		"preferences":   func() error { _, err := f.gw.UpdatePreferences(ctx, models.ProfileUpdate{}); return err },
		"upload":        func() error { _, err := f.gw.UploadVideo(ctx, []byte("x"), models.Video{}, nil); return err },
		"download":      func() error { _, err := f.gw.DownloadVideo(ctx, "k"); return err },
		"delete":        func() error { return f.gw.DeleteVideo(ctx, "k") },
		"signed url":    func() error { _, err := f.gw.SignedURL(ctx, "k", 0); return err },
		"save metadata": func() error { return f.gw.SaveVideoMetadata(ctx, models.Video{}) },
		"load videos":   func() error { _, err := f.gw.LoadUserVideos(ctx); return err },
		"update status": func() error { return f.gw.UpdateVideoStatus(ctx, "id", models.VideoStatusFailed, nil) },
		"delete meta":   func() error { return f.gw.DeleteVideoMetadata(ctx, "id") },
		"storage usage": func() error { _, err := f.gw.StorageUsage(ctx); return err },
		"record quota":  func() error { _, err := f.gw.RecordGeneration(ctx); return err },
		"sign out":      func() error { return f.gw.SignOut(ctx) },
	}

	for name, call := range checks {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, call(), ErrUserNotAuthenticated)
		})
	}
	assert.Empty(t, f.objects.objects)
}

func TestSignInCreatesProfile(t *testing.T) {
	f := newFixture(t)
	states, unsubscribe := f.gw.Subscribe()
	defer unsubscribe()

	user := f.signIn(t)

	assert.Equal(t, "auth-ada", user.AuthID)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, models.TierFree, user.Tier)
	assert.Equal(t, f.now, user.LastDailyReset)
	assert.True(t, f.gw.IsAuthenticated())

	select {
	case state := <-states:
		assert.True(t, state.Authenticated)
		assert.Equal(t, "auth-ada", state.User.AuthID)
	default:
		t.Fatal("expected state notification")
	}
}

func TestSignInPreservesExistingCounters(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.users.Upsert(context.Background(), models.User{
		ID:               "row-1",
		AuthID:           "auth-ada",
		Email:            "old@example.com",
		DisplayName:      "Countess",
		Tier:             models.TierPremium,
		TotalStorageUsed: 42,
		DailyGenerations: 2,
	}))

	user := f.signIn(t)

	assert.Equal(t, "row-1", user.ID)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, "Countess", user.DisplayName)
	assert.Equal(t, models.TierPremium, user.Tier)
	assert.EqualValues(t, 42, user.TotalStorageUsed)
	assert.Equal(t, 2, user.DailyGenerations)
}

func TestSignInFailures(t *testing.T) {
	f := newFixture(t)
	providerErr := errors.New("provider unreachable")
	f.auth.signInErr = providerErr

	_, err := f.gw.SignIn(context.Background(), auth.Credentials{Email: "ada@example.com"})
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.ErrorIs(t, err, providerErr)
	assert.False(t, f.gw.IsAuthenticated())

	f.auth.signInErr = nil
	f.users.upsertErr = errors.New("table offline")
	_, err = f.gw.SignIn(context.Background(), auth.Credentials{Email: "ada@example.com"})
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.False(t, f.gw.IsAuthenticated())
}

func TestSignOutKeepsStateOnFailure(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)

	f.auth.signOutErr = errors.New("network down")
	err := f.gw.SignOut(context.Background())
	assert.ErrorIs(t, err, ErrSignOutFailed)
	assert.True(t, f.gw.IsAuthenticated())

	f.auth.signOutErr = nil
	require.NoError(t, f.gw.SignOut(context.Background()))
	assert.False(t, f.gw.IsAuthenticated())
}

func TestCheckSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.gw.CheckSession(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	f.auth.principal = &auth.Principal{UserID: "auth-ghost"}
	_, err = f.gw.CheckSession(ctx)
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	f.signIn(t)
	f.gw.setUser(nil)
	ok, err = f.gw.CheckSession(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	user, _ := f.gw.CurrentUser()
	assert.Equal(t, "auth-ada", user.AuthID)
}

func TestUpdatePreferencesReloadsProfile(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)

	name := "Ada L."
	square := models.AspectSquare
	user, err := f.gw.UpdatePreferences(context.Background(), models.ProfileUpdate{DisplayName: &name, DefaultAspectRatio: &square})
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", user.DisplayName)
	assert.Equal(t, models.AspectSquare, user.DefaultAspectRatio)

	current, _ := f.gw.CurrentUser()
	assert.Equal(t, user, current)

	f.users.updateErr = errors.New("write refused")
	_, err = f.gw.UpdatePreferences(context.Background(), models.ProfileUpdate{DisplayName: &name})
	assert.ErrorIs(t, err, ErrProfileUpdateFailed)
}

func TestSaveProfileReplacesSnapshot(t *testing.T) {
	f := newFixture(t)
	user := f.signIn(t)

	user.Tier = models.TierTrial
	require.NoError(t, f.gw.SaveProfile(context.Background(), user))
	current, _ := f.gw.CurrentUser()
	assert.Equal(t, models.TierTrial, current.Tier)
	assert.Equal(t, models.TierTrial, f.users.get(user.AuthID).Tier)

	f.users.upsertErr = errors.New("disk full")
	assert.ErrorIs(t, f.gw.SaveProfile(context.Background(), user), ErrProfileSaveFailed)
}

func TestUploadVideoUpdatesStorageUsed(t *testing.T) {
	f := newFixture(t)
	user := f.signIn(t)

	video := models.NewVideo(user.AuthID, "A red car on a mountain road", f.now)
	msg := "previous failure"
	video.ErrorMessage = &msg
	payload := make([]byte, 10_000_000)

	var ticks []float64
	stored, err := f.gw.UploadVideo(context.Background(), payload, video, func(p float64) { ticks = append(ticks, p) })
	require.NoError(t, err)

	assert.Equal(t, models.VideoStatusCompleted, stored.Status)
	assert.Nil(t, stored.ErrorMessage)
	assert.Equal(t, "https://cdn.example/"+video.StorageKey, stored.VideoURL)
	assert.True(t, f.objects.has(video.StorageKey))

	current, _ := f.gw.CurrentUser()
	assert.EqualValues(t, 10_000_000, current.TotalStorageUsed)
	assert.EqualValues(t, 10_000_000, f.users.get(user.AuthID).TotalStorageUsed)

	usage, err := f.gw.StorageUsage(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.02, usage.UsagePercentage, 1e-9)

	require.NotEmpty(t, ticks)
	assert.Equal(t, 0.0, ticks[0])
	assert.Equal(t, 1.0, ticks[len(ticks)-1])
}

func TestUploadVideoDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	user := f.signIn(t)
	video := models.NewVideo(user.AuthID, "prompt", f.now)

	f.videos.upsertErr = errors.New("metadata table offline")
	_, err := f.gw.UploadVideo(context.Background(), []byte("bytes"), video, nil)
	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.True(t, f.objects.has(video.StorageKey), "uploaded object stays in place")

	current, _ := f.gw.CurrentUser()
	assert.Zero(t, current.TotalStorageUsed)

	f.videos.upsertErr = nil
	f.objects.uploadErr = errors.New("bucket missing")
	_, err = f.gw.UploadVideo(context.Background(), []byte("bytes"), video, nil)
	assert.ErrorIs(t, err, ErrUploadFailed)
}

// barrierObjects holds each Upload until every expected upload has arrived.
type barrierObjects struct {
	*memObjects
	arrived sync.WaitGroup
}

func (b *barrierObjects) Upload(ctx context.Context, key string, data []byte, contentType string, overwrite bool) (string, error) {
	b.arrived.Done()
	b.arrived.Wait()
	return b.memObjects.Upload(ctx, key, data, contentType, overwrite)
}

func TestConcurrentUploadsAccumulateCounters(t *testing.T) {
	f := newFixture(t)
	objects := &barrierObjects{memObjects: newMemObjects()}
	objects.arrived.Add(2)
	f.gw = New(f.auth, f.users, f.videos, objects, Options{Now: func() time.Time { return f.now }})
	user := f.signIn(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 2; i++ {
		video := models.NewVideo(user.AuthID, "prompt", f.now)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.gw.UploadVideo(ctx, make([]byte, 10_000_000), video, nil)
			errs <- err
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.gw.RecordGeneration(ctx)
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stored := f.users.get(user.AuthID)
	assert.EqualValues(t, 20_000_000, stored.TotalStorageUsed)
	assert.Equal(t, 1, stored.DailyGenerations)
	assert.Equal(t, 1, stored.TotalGenerated)

	current, _ := f.gw.CurrentUser()
	assert.EqualValues(t, 20_000_000, current.TotalStorageUsed)
	assert.Equal(t, 1, current.DailyGenerations)
}

func TestUploadVideoRejectsMismatchedRecords(t *testing.T) {
	f := newFixture(t)
	user := f.signIn(t)
	ctx := context.Background()

	foreign := models.NewVideo("auth-mallory", "prompt", f.now)
	_, err := f.gw.UploadVideo(ctx, []byte("x"), foreign, nil)
	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.ErrorIs(t, err, ErrForeignObject)

	moved := models.NewVideo(user.AuthID, "prompt", f.now)
	moved.StorageKey = "users/" + user.AuthID + "/videos/other.mp4"
	_, err = f.gw.UploadVideo(ctx, []byte("x"), moved, nil)
	assert.ErrorIs(t, err, ErrStorageKeyMismatch)

	cancelled := models.NewVideo(user.AuthID, "prompt", f.now)
	cancelled.Status = models.VideoStatusCancelled
	require.NoError(t, f.videos.Upsert(ctx, cancelled))
	retry := cancelled
	retry.Status = models.VideoStatusProcessing
	_, err = f.gw.UploadVideo(ctx, []byte("x"), retry, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Empty(t, f.objects.objects)
	current, _ := f.gw.CurrentUser()
	assert.Zero(t, current.TotalStorageUsed)
}

func TestDeleteVideoLeavesStorageCounter(t *testing.T) {
	f := newFixture(t)
	user := f.signIn(t)
	ctx := context.Background()

	video := models.NewVideo(user.AuthID, "prompt", f.now)
	_, err := f.gw.UploadVideo(ctx, []byte("12345"), video, nil)
	require.NoError(t, err)

	data, err := f.gw.DownloadVideo(ctx, video.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("12345"), data)

	require.NoError(t, f.gw.DeleteVideo(ctx, video.StorageKey))
	assert.False(t, f.objects.has(video.StorageKey))
	_, err = f.videos.Find(ctx, video.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	current, _ := f.gw.CurrentUser()
	assert.EqualValues(t, 5, current.TotalStorageUsed)

	err = f.gw.DeleteVideo(ctx, "users/someone-else/videos/x.mp4")
	assert.ErrorIs(t, err, ErrDeleteFailed)
	assert.ErrorIs(t, err, ErrForeignObject)

	f.objects.removeErr = errors.New("denied")
	assert.ErrorIs(t, f.gw.DeleteVideo(ctx, video.StorageKey), ErrDeleteFailed)
}

func TestSignedURLDefaultsExpiry(t *testing.T) {
	f := newFixture(t)
	user := f.signIn(t)

	key := models.StorageKeyFor(user.AuthID, "v1")
	signed, err := f.gw.SignedURL(context.Background(), key, 0)
	require.NoError(t, err)
	assert.Contains(t, signed, "expires=1h0m0s")
}

func TestVideoMetadataLifecycle(t *testing.T) {
	f := newFixture(t)
	user := f.signIn(t)
	ctx := context.Background()

	older := models.NewVideo("", "first", f.now.Add(-time.Hour))
	newer := models.NewVideo("", "second", f.now)
	require.NoError(t, f.gw.SaveVideoMetadata(ctx, older))
	require.NoError(t, f.gw.SaveVideoMetadata(ctx, newer))

	videos, err := f.gw.LoadUserVideos(ctx)
	require.NoError(t, err)
	require.Len(t, videos, 2)
	assert.Equal(t, newer.ID, videos[0].ID)
	assert.Equal(t, user.AuthID, videos[0].UserID)

	f.now = f.now.Add(time.Minute)
	require.NoError(t, f.gw.UpdateVideoStatus(ctx, newer.ID, models.VideoStatusProcessing, nil))
	msg := "provider failed"
	require.NoError(t, f.gw.UpdateVideoStatus(ctx, newer.ID, models.VideoStatusFailed, &msg))

	stored, err := f.videos.Find(ctx, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusFailed, stored.Status)
	assert.Equal(t, &msg, stored.ErrorMessage)
	assert.Equal(t, f.now, stored.UpdatedAt)

	err = f.gw.UpdateVideoStatus(ctx, newer.ID, models.VideoStatusProcessing, nil)
	assert.ErrorIs(t, err, ErrMetadataUpdateFailed)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = f.gw.UpdateVideoStatus(ctx, older.ID, models.VideoStatusCompleted, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending cannot jump to completed")

	require.NoError(t, f.gw.DeleteVideoMetadata(ctx, older.ID))
	assert.ErrorIs(t, f.gw.DeleteVideoMetadata(ctx, older.ID), ErrMetadataDeleteFailed)
}

func TestStorageUsageUsesFlatEstimate(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.gw.SaveVideoMetadata(ctx, models.NewVideo("", "p", f.now)))
	}

	usage, err := f.gw.StorageUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, usage.TotalFiles)
	assert.EqualValues(t, 150_000_000, usage.TotalSizeBytes)
	assert.EqualValues(t, 350_000_000, usage.AvailableBytes)

	for i := 0; i < 8; i++ {
		require.NoError(t, f.gw.SaveVideoMetadata(ctx, models.NewVideo("", "p", f.now)))
	}
	usage, err = f.gw.StorageUsage(ctx)
	require.NoError(t, err)
	assert.Zero(t, usage.AvailableBytes)

	f.videos.countErr = errors.New("count failed")
	_, err = f.gw.StorageUsage(ctx)
	assert.ErrorIs(t, err, ErrStorageUsageFailed)
}

func TestRecordGenerationEnforcesDailyLimit(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		user, err := f.gw.RecordGeneration(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, user.DailyGenerations)
	}

	_, err := f.gw.RecordGeneration(ctx)
	assert.ErrorIs(t, err, ErrDailyLimitReached)

	f.now = f.now.Add(24 * time.Hour)
	user, err := f.gw.RecordGeneration(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, user.DailyGenerations)
	assert.Equal(t, 4, user.TotalGenerated)
	assert.Equal(t, f.now, user.LastDailyReset)
}

func TestWatchAuthFollowsProviderEvents(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)

	ctx, cancel := context.WithCancel(context.Background())
	errs := f.gw.WatchAuth(ctx)

	f.auth.events <- auth.Event{Kind: "password_recovery"}
	f.auth.events <- auth.Event{Kind: auth.EventSignedOut}
	assert.Eventually(t, func() bool { return !f.gw.IsAuthenticated() }, time.Second, 5*time.Millisecond)

	f.auth.events <- auth.Event{Kind: auth.EventSignedIn}
	assert.Eventually(t, f.gw.IsAuthenticated, time.Second, 5*time.Millisecond)

	f.auth.mu.Lock()
	f.auth.sessionErr = errors.New("provider down")
	f.auth.mu.Unlock()
	f.auth.events <- auth.Event{Kind: auth.EventTokenRefreshed}

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
	case <-time.After(time.Second):
		t.Fatal("expected listener error")
	}

	cancel()
	_, open := <-errs
	assert.False(t, open)
}
