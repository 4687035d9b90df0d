package studio

import (
	"time"
)

// Phase is where a task sits in the studio pipeline.
type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhaseGenerating Phase = "generating"
	PhaseUploading  Phase = "uploading"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
	PhaseCancelled  Phase = "cancelled"
)

// Terminal reports whether the task will receive no further updates.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// Update is one state change of a task, as published to subscribers.
type Update struct {
	TaskID   string
	VideoID  string
	Prompt   string
	Phase    Phase
	Progress float64
	Status   string
	Logs     []string
	Message  string
	VideoURL string
	At       time.Time
}

// TaskView is the board's current view of one task.
type TaskView struct {
	TaskID    string
	VideoID   string
	Prompt    string
	Phase     Phase
	Progress  float64
	Status    string
	Logs      []string
	Message   string
	VideoURL  string
	UpdatedAt time.Time
}

// board is owned by the coordination goroutine and never touched elsewhere.
type board struct {
	order []string
	tasks map[string]TaskView
}

func newBoard() *board {
	return &board{tasks: make(map[string]TaskView)}
}

// apply folds u into the board. Updates for a task that already reached a
// terminal phase are stale and dropped; apply reports whether u was applied.
func (b *board) apply(u Update) bool {
	view, ok := b.tasks[u.TaskID]
	if ok && view.Phase.Terminal() {
		return false
	}
	if !ok {
		b.order = append(b.order, u.TaskID)
		view = TaskView{TaskID: u.TaskID}
	}

	if u.VideoID != "" {
		view.VideoID = u.VideoID
	}
	if u.Prompt != "" {
		view.Prompt = u.Prompt
	}
	view.Phase = u.Phase
	view.Progress = u.Progress
	view.Status = u.Status
	if u.Logs != nil || u.Phase == PhaseCancelled {
		view.Logs = append([]string(nil), u.Logs...)
	}
	view.Message = u.Message
	if u.VideoURL != "" {
		view.VideoURL = u.VideoURL
	}
	view.UpdatedAt = u.At

	b.tasks[u.TaskID] = view
	return true
}

func (b *board) snapshot() []TaskView {
	out := make([]TaskView, 0, len(b.order))
	for _, id := range b.order {
		view := b.tasks[id]
		view.Logs = append([]string(nil), view.Logs...)
		out = append(out, view)
	}
	return out
}
