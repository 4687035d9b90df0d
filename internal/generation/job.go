package generation

import (
	"strings"
	"sync"
)

// Status is the provider-side state of a generation job.
type Status string

const (
	StatusIdle       Status = ""
	StatusQueued     Status = "in_queue"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusUnknown    Status = "unknown"
)

// ParseStatus maps a provider status string onto Status, ignoring case.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "in_queue":
		return StatusQueued
	case "in_progress":
		return StatusInProgress
	case "completed":
		return StatusCompleted
	case "failed":
		return StatusFailed
	default:
		return StatusUnknown
	}
}

// Progress is one observable tick of a generation.
type Progress struct {
	Fraction float64
	Status   string
}

// ProgressFunc receives progress ticks.
type ProgressFunc func(Progress)

// CancelToken is a cooperative cancellation flag. The poller checks it at each
// iteration boundary; a request already in flight is not interrupted.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken returns an untriggered token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel triggers the token. Calling it more than once is safe.
func (t *CancelToken) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed once the token is cancelled. A nil token never fires.
func (t *CancelToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}

// Snapshot is a copy of a job's observable state.
type Snapshot struct {
	RequestID  string
	Status     Status
	Progress   float64
	Logs       []string
	Generating bool
}

// Job holds the observable state of one in-flight generation. It is owned by a
// single Generate call and discarded once that call returns.
type Job struct {
	token *CancelToken

	mu        sync.Mutex
	state     Snapshot
	observers map[int]ProgressFunc
	nextID    int
}

// NewJob returns an idle job with a fresh cancel token.
func NewJob() *Job {
	return &Job{token: NewCancelToken(), observers: make(map[int]ProgressFunc)}
}

// Token returns the job's cancellation token.
func (j *Job) Token() *CancelToken {
	return j.token
}

// Subscribe registers fn for every progress tick and returns an unsubscribe func.
func (j *Job) Subscribe(fn ProgressFunc) func() {
	if fn == nil {
		return func() {}
	}
	j.mu.Lock()
	id := j.nextID
	j.nextID++
	j.observers[id] = fn
	j.mu.Unlock()

	return func() {
		j.mu.Lock()
		delete(j.observers, id)
		j.mu.Unlock()
	}
}

// Cancel requests cooperative cancellation and synchronously resets the job's
// progress, status and log to the idle state.
func (j *Job) Cancel() {
	j.token.Cancel()
	j.mu.Lock()
	j.state = Snapshot{}
	j.mu.Unlock()
}

// Cancelled reports whether Cancel has been called.
func (j *Job) Cancelled() bool {
	return j.token.Cancelled()
}

// Snapshot returns a copy of the current state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	snap := j.state
	snap.Logs = append([]string(nil), j.state.Logs...)
	return snap
}

func (j *Job) begin() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.token.Cancelled() {
		return
	}
	j.state = Snapshot{Generating: true}
}

func (j *Job) setRequestID(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.token.Cancelled() {
		return
	}
	j.state.RequestID = id
	j.appendLogLocked("Submitted request " + id)
}

// report applies a poll tick and notifies observers. Ticks arriving after
// cancellation are stale and dropped.
func (j *Job) report(p Progress) {
	j.mu.Lock()
	if j.token.Cancelled() {
		j.mu.Unlock()
		return
	}
	j.state.Progress = p.Fraction
	j.state.Status = ParseStatus(p.Status)
	j.appendLogLocked("Status: " + p.Status)
	observers := make([]ProgressFunc, 0, len(j.observers))
	for _, fn := range j.observers {
		observers = append(observers, fn)
	}
	j.mu.Unlock()

	for _, fn := range observers {
		fn(p)
	}
}

func (j *Job) finish(status Status, progress float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.token.Cancelled() {
		return
	}
	j.state.Generating = false
	j.state.Status = status
	j.state.Progress = progress
}

func (j *Job) fail(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.token.Cancelled() {
		return
	}
	j.state.Generating = false
	j.appendLogLocked("Error: " + msg)
}

// appendLogLocked skips a line identical to the previous one.
func (j *Job) appendLogLocked(line string) {
	if n := len(j.state.Logs); n > 0 && j.state.Logs[n-1] == line {
		return
	}
	j.state.Logs = append(j.state.Logs, line)
}
