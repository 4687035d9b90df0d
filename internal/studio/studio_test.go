package studio

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidfriends/vidgen/internal/gateway"
	"github.com/vidfriends/vidgen/internal/generation"
	"github.com/vidfriends/vidgen/internal/models"
)

type providerStub struct {
	server   *httptest.Server
	statuses []string
	polls    atomic.Int32
}

func newProviderStub(t *testing.T, statuses ...string) *providerStub {
	t.Helper()
	p := &providerStub{statuses: statuses}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			_ = json.NewEncoder(w).Encode(map[string]string{"request_id": "req-1"})
		case strings.HasSuffix(r.URL.Path, "/status"):
			n := int(p.polls.Add(1)) - 1
			status := p.statuses[len(p.statuses)-1]
			if n < len(p.statuses) {
				status = p.statuses[n]
			}
			body := map[string]any{"status": status}
			switch status {
			case "COMPLETED":
				body["output"] = map[string]any{"video": map[string]any{"url": p.server.URL + "/artifact.mp4", "content_type": "video/mp4"}}
			case "FAILED":
				body["error"] = "content policy violation"
			}
			_ = json.NewEncoder(w).Encode(body)
		case r.URL.Path == "/artifact.mp4":
			_, _ = w.Write([]byte("mp4-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(p.server.Close)
	return p
}

func (p *providerStub) client(t *testing.T, interval time.Duration, attempts int) *generation.Client {
	t.Helper()
	c, err := generation.NewClient(generation.Config{
		APIKey:       "test-key",
		Endpoint:     p.server.URL,
		Model:        "test/model",
		PollInterval: interval,
		MaxAttempts:  attempts,
	})
	require.NoError(t, err)
	return c
}

type accountStub struct {
	mu        sync.Mutex
	user      models.User
	signedIn  bool
	videos    map[string]models.Video
	statuses  map[string][]models.VideoStatus
	uploaded  map[string][]byte
	recordErr error
	records   int
}

func newAccountStub() *accountStub {
	return &accountStub{
		user: models.User{
			AuthID:             "auth-1",
			Tier:               models.TierFree,
			LastDailyReset:     time.Now().UTC(),
			DefaultAspectRatio: models.AspectPortrait,
			DefaultDuration:    6,
		},
		signedIn: true,
		videos:   make(map[string]models.Video),
		statuses: make(map[string][]models.VideoStatus),
		uploaded: make(map[string][]byte),
	}
}

func (a *accountStub) CurrentUser() (models.User, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.user, a.signedIn
}

func (a *accountStub) SaveVideoMetadata(_ context.Context, video models.Video) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.videos[video.ID] = video
	a.statuses[video.ID] = append(a.statuses[video.ID], video.Status)
	return nil
}

func (a *accountStub) UpdateVideoStatus(_ context.Context, id string, status models.VideoStatus, _ *string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statuses[id] = append(a.statuses[id], status)
	return nil
}

func (a *accountStub) RecordGeneration(context.Context) (models.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.recordErr != nil {
		return models.User{}, a.recordErr
	}
	a.records++
	a.user.DailyGenerations++
	return a.user, nil
}

func (a *accountStub) UploadVideo(_ context.Context, data []byte, video models.Video, onProgress gateway.UploadProgressFunc) (models.Video, error) {
	onProgress(0)
	a.mu.Lock()
	a.uploaded[video.StorageKey] = data
	video.Status = models.VideoStatusCompleted
	video.VideoURL = "https://cdn.example/" + video.StorageKey
	a.videos[video.ID] = video
	a.statuses[video.ID] = append(a.statuses[video.ID], models.VideoStatusCompleted)
	a.mu.Unlock()
	onProgress(1)
	return video, nil
}

func (a *accountStub) statusesFor(id string) []models.VideoStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.VideoStatus(nil), a.statuses[id]...)
}

func newTestStudio(t *testing.T, gen Generator, account Account) *Studio {
	t.Helper()
	s := New(gen, account, Config{QueueSize: 4, Workers: 2}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func viewOf(s *Studio, taskID string) (TaskView, bool) {
	for _, v := range s.Snapshot() {
		if v.TaskID == taskID {
			return v, true
		}
	}
	return TaskView{}, false
}

func waitForPhase(t *testing.T, s *Studio, taskID string, phase Phase) TaskView {
	t.Helper()
	var view TaskView
	require.Eventually(t, func() bool {
		v, ok := viewOf(s, taskID)
		view = v
		return ok && v.Phase == phase
	}, 3*time.Second, 5*time.Millisecond, "task never reached %s", phase)
	return view
}

func TestStudioGeneratesAndUploads(t *testing.T) {
	provider := newProviderStub(t, "IN_QUEUE", "IN_PROGRESS", "COMPLETED")
	account := newAccountStub()
	s := newTestStudio(t, provider.client(t, time.Millisecond, 10), account)

	updates, unsubscribe := s.Subscribe()
	defer unsubscribe()

	taskID, err := s.Enqueue(context.Background(), Request{Prompt: "A red car on a mountain road"})
	require.NoError(t, err)

	view := waitForPhase(t, s, taskID, PhaseCompleted)
	assert.Equal(t, 1.0, view.Progress)
	assert.Contains(t, view.VideoURL, "users/auth-1/videos/")
	assert.Contains(t, view.Logs, "Submitted request req-1")

	account.mu.Lock()
	video := account.videos[view.VideoID]
	stored := account.uploaded[video.StorageKey]
	records := account.records
	account.mu.Unlock()

	assert.Equal(t, []byte("mp4-bytes"), stored)
	assert.Equal(t, 1, records)
	assert.Equal(t, "req-1", video.JobID)
	assert.Equal(t, models.AspectPortrait, video.AspectRatio, "falls back to the user's preference")
	assert.Equal(t, 6.0, video.Duration)
	require.NotNil(t, video.GenerationSeconds)
	assert.Equal(t, []models.VideoStatus{
		models.VideoStatusPending,
		models.VideoStatusProcessing,
		models.VideoStatusCompleted,
	}, account.statusesFor(view.VideoID))

	var phases []Phase
	for len(updates) > 0 {
		u := <-updates
		if len(phases) == 0 || phases[len(phases)-1] != u.Phase {
			phases = append(phases, u.Phase)
		}
	}
	assert.Equal(t, []Phase{PhaseQueued, PhaseGenerating, PhaseUploading, PhaseCompleted}, phases)
}

func TestStudioRecordsProviderFailure(t *testing.T) {
	provider := newProviderStub(t, "IN_PROGRESS", "FAILED")
	account := newAccountStub()
	s := newTestStudio(t, provider.client(t, time.Millisecond, 10), account)

	taskID, err := s.Enqueue(context.Background(), Request{Prompt: "a storm", Duration: 5})
	require.NoError(t, err)

	view := waitForPhase(t, s, taskID, PhaseFailed)
	assert.Contains(t, view.Message, "content policy violation")
	assert.Equal(t, []models.VideoStatus{
		models.VideoStatusPending,
		models.VideoStatusProcessing,
		models.VideoStatusFailed,
	}, account.statusesFor(view.VideoID))
	assert.Zero(t, account.records)
}

func TestStudioCancelResetsBoard(t *testing.T) {
	provider := newProviderStub(t, "IN_PROGRESS")
	account := newAccountStub()
	s := newTestStudio(t, provider.client(t, 10*time.Millisecond, 1000), account)

	taskID, err := s.Enqueue(context.Background(), Request{Prompt: "slow burn"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return provider.polls.Load() >= 2 }, 3*time.Second, time.Millisecond)
	require.NoError(t, s.Cancel(taskID))

	view := waitForPhase(t, s, taskID, PhaseCancelled)
	assert.Zero(t, view.Progress)
	assert.Empty(t, view.Logs)

	require.Eventually(t, func() bool {
		statuses := account.statusesFor(view.VideoID)
		return len(statuses) > 0 && statuses[len(statuses)-1] == models.VideoStatusCancelled
	}, 3*time.Second, 5*time.Millisecond)

	polls := provider.polls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, provider.polls.Load(), polls+1, "polling stops after cancellation")

	view, _ = viewOf(s, taskID)
	assert.Equal(t, PhaseCancelled, view.Phase)
	require.Eventually(t, func() bool {
		return errors.Is(s.Cancel(taskID), ErrUnknownTask)
	}, time.Second, 5*time.Millisecond)
}

func TestStudioEnqueueGates(t *testing.T) {
	provider := newProviderStub(t, "COMPLETED")

	t.Run("unauthenticated", func(t *testing.T) {
		account := newAccountStub()
		account.signedIn = false
		s := newTestStudio(t, provider.client(t, time.Millisecond, 3), account)
		_, err := s.Enqueue(context.Background(), Request{Prompt: "p"})
		assert.ErrorIs(t, err, gateway.ErrUserNotAuthenticated)
	})

	t.Run("invalid prompt", func(t *testing.T) {
		s := newTestStudio(t, provider.client(t, time.Millisecond, 3), newAccountStub())
		_, err := s.Enqueue(context.Background(), Request{Prompt: "   "})
		assert.ErrorIs(t, err, generation.ErrInvalidPrompt)
	})

	t.Run("invalid duration", func(t *testing.T) {
		s := newTestStudio(t, provider.client(t, time.Millisecond, 3), newAccountStub())
		_, err := s.Enqueue(context.Background(), Request{Prompt: "p", Duration: 12})
		assert.ErrorIs(t, err, generation.ErrInvalidDuration)
	})

	t.Run("daily limit", func(t *testing.T) {
		account := newAccountStub()
		account.user.DailyGenerations = 3
		s := newTestStudio(t, provider.client(t, time.Millisecond, 3), account)
		_, err := s.Enqueue(context.Background(), Request{Prompt: "p"})
		assert.ErrorIs(t, err, gateway.ErrDailyLimitReached)
		assert.Empty(t, account.videos)
	})

	t.Run("storage full", func(t *testing.T) {
		account := newAccountStub()
		account.user.TotalStorageUsed = 500_000_000
		s := newTestStudio(t, provider.client(t, time.Millisecond, 3), account)
		_, err := s.Enqueue(context.Background(), Request{Prompt: "p"})
		assert.ErrorIs(t, err, ErrStorageFull)
	})
}

func TestStudioFailsWhenQuotaRecordFails(t *testing.T) {
	provider := newProviderStub(t, "COMPLETED")
	account := newAccountStub()
	account.recordErr = gateway.ErrDailyLimitReached
	s := newTestStudio(t, provider.client(t, time.Millisecond, 3), account)

	taskID, err := s.Enqueue(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)

	view := waitForPhase(t, s, taskID, PhaseFailed)
	assert.Contains(t, view.Message, gateway.ErrDailyLimitReached.Error())
	account.mu.Lock()
	assert.Empty(t, account.uploaded)
	account.mu.Unlock()
}

func TestStudioShutdown(t *testing.T) {
	provider := newProviderStub(t, "IN_PROGRESS")
	account := newAccountStub()
	s := New(provider.client(t, 10*time.Millisecond, 1000), account, Config{QueueSize: 1, Workers: 1}, nil)

	taskID, err := s.Enqueue(context.Background(), Request{Prompt: "long job"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return provider.polls.Load() >= 1 }, 3*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	view, ok := viewOf(s, taskID)
	require.True(t, ok)
	assert.Equal(t, PhaseCancelled, view.Phase)

	_, err = s.Enqueue(context.Background(), Request{Prompt: "too late"})
	assert.ErrorIs(t, err, ErrClosed)
}
