// Package studio runs generation tasks end to end: quota gate, generation,
// artifact fetch, upload and metadata bookkeeping. Tasks run on a worker pool;
// every board change is applied by a single coordination goroutine.
package studio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vidfriends/vidgen/internal/gateway"
	"github.com/vidfriends/vidgen/internal/generation"
	"github.com/vidfriends/vidgen/internal/logging"
	"github.com/vidfriends/vidgen/internal/models"
	"github.com/vidfriends/vidgen/internal/quota"
)

var (
	// ErrClosed is returned by Enqueue after Shutdown.
	ErrClosed = errors.New("studio closed")
	// ErrStorageFull is returned when the user's tier storage is used up.
	ErrStorageFull = errors.New("storage limit reached")
	// ErrUnknownTask is returned by Cancel for an id that is not in flight.
	ErrUnknownTask = errors.New("unknown task")
	// ErrUploading is returned by Cancel once the artifact upload has started.
	ErrUploading = errors.New("task is already uploading")
)

// Generator produces videos from prompts.
type Generator interface {
	Generate(ctx context.Context, req generation.Request, job *generation.Job) (generation.Result, error)
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Account is the slice of the gateway the studio needs.
type Account interface {
	CurrentUser() (models.User, bool)
	SaveVideoMetadata(ctx context.Context, video models.Video) error
	UpdateVideoStatus(ctx context.Context, id string, status models.VideoStatus, errorMessage *string) error
	RecordGeneration(ctx context.Context) (models.User, error)
	UploadVideo(ctx context.Context, data []byte, video models.Video, onProgress gateway.UploadProgressFunc) (models.Video, error)
}

// Config controls the concurrency of the studio.
type Config struct {
	QueueSize int
	Workers   int
}

// Request is a user's ask for one video. Zero aspect ratio and duration fall
// back to the user's saved preferences.
type Request struct {
	Prompt      string
	AspectRatio models.AspectRatio
	Duration    float64
}

// Progress shares of the overall task; generation takes the rest.
const (
	generationShare = 0.8
	uploadShare     = 1 - generationShare
)

const statusWriteTimeout = 5 * time.Second

type task struct {
	id    string
	video models.Video
	req   generation.Request
	job   *generation.Job

	mu        sync.Mutex
	uploading bool
}

// cancel flips the job's token unless the upload has begun.
func (t *task) cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.uploading {
		return false
	}
	t.job.Cancel()
	return true
}

// beginUpload closes the cancellation window. It fails if the task was cancelled first.
func (t *task) beginUpload() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job.Cancelled() {
		return false
	}
	t.uploading = true
	return true
}

// Studio owns the worker pool and the task board.
type Studio struct {
	gen     Generator
	account Account
	logger  *slog.Logger
	now     func() time.Time

	tasks   chan *task
	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	closeMu sync.RWMutex
	closed  bool

	registryMu sync.Mutex
	registry   map[string]*task

	pubMu     sync.RWMutex
	pubClosed bool
	updates   chan Update
	snapshots chan chan []TaskView
	coordDone chan struct{}
	final     []TaskView

	subsMu sync.Mutex
	subs   map[int]chan Update
	nextID int
}

// New starts the worker pool and the coordination goroutine.
func New(gen Generator, account Account, cfg Config, logger *slog.Logger) *Studio {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, stop := context.WithCancel(logging.WithLogger(context.Background(), logger))

	s := &Studio{
		gen:       gen,
		account:   account,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		tasks:     make(chan *task, cfg.QueueSize),
		ctx:       ctx,
		stop:      stop,
		registry:  make(map[string]*task),
		updates:   make(chan Update, 64),
		snapshots: make(chan chan []TaskView),
		coordDone: make(chan struct{}),
		subs:      make(map[int]chan Update),
	}

	go s.coordinate()

	s.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go s.worker()
	}

	return s
}

// Enqueue validates req against the provider envelope and the user's quota,
// records a pending video and schedules its generation. It returns the task id.
func (s *Studio) Enqueue(ctx context.Context, req Request) (string, error) {
	select {
	case <-s.ctx.Done():
		return "", ErrClosed
	default:
	}

	user, ok := s.account.CurrentUser()
	if !ok {
		return "", gateway.ErrUserNotAuthenticated
	}

	now := s.now()
	video := models.NewVideo(user.AuthID, req.Prompt, now)
	video.AspectRatio = firstNonEmpty(req.AspectRatio, user.DefaultAspectRatio, models.AspectLandscape)
	video.Duration = firstPositive(req.Duration, user.DefaultDuration, models.DefaultDuration)

	genReq := generation.RequestFor(video)
	if err := genReq.Validate(); err != nil {
		return "", err
	}

	quota.ApplyDailyResetIfNeeded(&user, now)
	if !quota.CanGenerateVideo(user, now) {
		return "", gateway.ErrDailyLimitReached
	}
	if quota.IsStorageAtLimit(user) {
		return "", ErrStorageFull
	}

	if err := s.account.SaveVideoMetadata(ctx, video); err != nil {
		return "", err
	}

	t := &task{id: uuid.NewString(), video: video, req: genReq, job: generation.NewJob()}
	s.registryMu.Lock()
	s.registry[t.id] = t
	s.registryMu.Unlock()

	s.publish(Update{TaskID: t.id, VideoID: video.ID, Prompt: video.Prompt, Phase: PhaseQueued})

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		s.abandon(t, ErrClosed)
		return "", ErrClosed
	}

	select {
	case <-ctx.Done():
		s.abandon(t, ctx.Err())
		return "", ctx.Err()
	case <-s.ctx.Done():
		s.abandon(t, ErrClosed)
		return "", ErrClosed
	case s.tasks <- t:
		logging.FromContext(s.ctx).Info("generation queued", "taskId", t.id, "videoId", video.ID)
		return t.id, nil
	}
}

// Cancel stops a task cooperatively. Its board entry resets immediately; the
// worker notices at its next poll boundary.
func (s *Studio) Cancel(taskID string) error {
	s.registryMu.Lock()
	t, ok := s.registry[taskID]
	s.registryMu.Unlock()
	if !ok {
		return ErrUnknownTask
	}

	if !t.cancel() {
		return ErrUploading
	}
	s.publish(Update{TaskID: t.id, VideoID: t.video.ID, Phase: PhaseCancelled})
	return nil
}

// Subscribe receives every applied update. The returned func unsubscribes and
// closes the channel.
func (s *Studio) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 32)

	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
			close(ch)
		})
	}
}

// Snapshot returns the board in enqueue order.
func (s *Studio) Snapshot() []TaskView {
	reply := make(chan []TaskView, 1)
	select {
	case s.snapshots <- reply:
		return <-reply
	case <-s.coordDone:
		return s.final
	}
}

// Shutdown cancels in-flight generations and waits for the workers and the
// coordinator to exit.
func (s *Studio) Shutdown(ctx context.Context) error {
	s.once.Do(func() {
		s.stop()

		s.registryMu.Lock()
		for _, t := range s.registry {
			t.job.Token().Cancel()
		}
		s.registryMu.Unlock()

		s.closeMu.Lock()
		s.closed = true
		close(s.tasks)
		s.closeMu.Unlock()

		go func() {
			s.wg.Wait()
			s.pubMu.Lock()
			s.pubClosed = true
			close(s.updates)
			s.pubMu.Unlock()
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.coordDone:
		return nil
	}
}

func (s *Studio) coordinate() {
	b := newBoard()
	defer func() {
		s.final = b.snapshot()
		close(s.coordDone)
	}()

	for {
		select {
		case u, ok := <-s.updates:
			if !ok {
				return
			}
			if b.apply(u) {
				s.broadcast(u)
			}
		case reply := <-s.snapshots:
			reply <- b.snapshot()
		}
	}
}

func (s *Studio) broadcast(u Update) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

// publish hands u to the coordinator. Updates after shutdown are dropped.
func (s *Studio) publish(u Update) {
	if u.At.IsZero() {
		u.At = s.now()
	}
	s.pubMu.RLock()
	defer s.pubMu.RUnlock()
	if s.pubClosed {
		return
	}
	s.updates <- u
}

func (s *Studio) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			s.drain()
			return
		case t, ok := <-s.tasks:
			if !ok {
				return
			}
			s.run(t)
		}
	}
}

// drain marks tasks still queued at shutdown as cancelled.
func (s *Studio) drain() {
	for t := range s.tasks {
		s.abandon(t, ErrClosed)
	}
}

func (s *Studio) run(t *task) {
	defer s.forget(t)
	ctx := logging.WithJobID(s.ctx, t.id)
	logger := logging.FromContext(ctx)

	if err := s.setStatus(t, models.VideoStatusProcessing, nil); err != nil {
		logger.Warn("mark video processing", "videoId", t.video.ID, "error", err)
	}
	s.publish(Update{TaskID: t.id, VideoID: t.video.ID, Phase: PhaseGenerating})

	unsubscribe := t.job.Subscribe(func(p generation.Progress) {
		s.publish(Update{
			TaskID:   t.id,
			VideoID:  t.video.ID,
			Phase:    PhaseGenerating,
			Progress: p.Fraction * generationShare,
			Status:   p.Status,
			Logs:     t.job.Snapshot().Logs,
		})
	})
	result, err := s.gen.Generate(ctx, t.req, t.job)
	unsubscribe()
	if err != nil {
		s.finishWithError(t, err)
		return
	}

	video := t.video
	video.JobID = result.RequestID
	elapsed := result.Elapsed.Seconds()
	video.GenerationSeconds = &elapsed
	video.Status = models.VideoStatusProcessing

	stored, err := s.deliver(ctx, t, video, result)
	if err != nil {
		s.finishWithError(t, err)
		return
	}

	s.publish(Update{
		TaskID:   t.id,
		VideoID:  stored.ID,
		Phase:    PhaseCompleted,
		Progress: 1,
		Status:   string(generation.StatusCompleted),
		Logs:     t.job.Snapshot().Logs,
		VideoURL: stored.VideoURL,
	})
	logger.Info("video ready", "videoId", stored.ID, "videoUrl", stored.VideoURL)
}

func (s *Studio) deliver(ctx context.Context, t *task, video models.Video, result generation.Result) (models.Video, error) {
	data, err := s.gen.Fetch(ctx, result.VideoURL)
	if err != nil {
		return models.Video{}, fmt.Errorf("fetch artifact: %w", err)
	}
	if !t.beginUpload() {
		return models.Video{}, generation.ErrCancelled
	}

	if _, err := s.account.RecordGeneration(ctx); err != nil {
		return models.Video{}, fmt.Errorf("record generation: %w", err)
	}

	s.publish(Update{TaskID: t.id, VideoID: video.ID, Phase: PhaseUploading, Progress: generationShare})
	return s.account.UploadVideo(ctx, data, video, func(f float64) {
		s.publish(Update{
			TaskID:   t.id,
			VideoID:  video.ID,
			Phase:    PhaseUploading,
			Progress: generationShare + f*uploadShare,
		})
	})
}

func (s *Studio) finishWithError(t *task, err error) {
	logger := logging.FromContext(s.ctx)

	if errors.Is(err, generation.ErrCancelled) || t.job.Cancelled() {
		if serr := s.setStatus(t, models.VideoStatusCancelled, nil); serr != nil {
			logger.Warn("mark video cancelled", "videoId", t.video.ID, "error", serr)
		}
		s.publish(Update{TaskID: t.id, VideoID: t.video.ID, Phase: PhaseCancelled})
		logger.Info("generation cancelled", "taskId", t.id, "videoId", t.video.ID)
		return
	}

	msg := err.Error()
	if serr := s.setStatus(t, models.VideoStatusFailed, &msg); serr != nil {
		logger.Warn("mark video failed", "videoId", t.video.ID, "error", serr)
	}
	s.publish(Update{
		TaskID:  t.id,
		VideoID: t.video.ID,
		Phase:   PhaseFailed,
		Message: msg,
		Logs:    t.job.Snapshot().Logs,
	})
	logger.Error("generation failed", "taskId", t.id, "videoId", t.video.ID, "error", err, "retryable", generation.IsRetryable(err))
}

// abandon settles a task that never reached a worker.
func (s *Studio) abandon(t *task, cause error) {
	defer s.forget(t)
	t.job.Cancel()
	msg := cause.Error()
	if err := s.setStatus(t, models.VideoStatusCancelled, &msg); err != nil {
		s.logger.Warn("mark video cancelled", "videoId", t.video.ID, "error", err)
	}
	s.publish(Update{TaskID: t.id, VideoID: t.video.ID, Phase: PhaseCancelled, Message: msg})
}

func (s *Studio) forget(t *task) {
	s.registryMu.Lock()
	delete(s.registry, t.id)
	s.registryMu.Unlock()
}

// setStatus writes a status change on a fresh context so shutdown does not
// leave records stuck in processing.
func (s *Studio) setStatus(t *task, status models.VideoStatus, msg *string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), statusWriteTimeout)
	defer cancel()
	return s.account.UpdateVideoStatus(ctx, t.video.ID, status, msg)
}

func firstNonEmpty(values ...models.AspectRatio) models.AspectRatio {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...float64) float64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
