package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tier is the subscription level governing generation and storage limits.
type Tier string

const (
	TierFree    Tier = "free"
	TierTrial   Tier = "trial"
	TierPremium Tier = "premium"
	TierExpired Tier = "expired"
)

// User represents the signed-in account and its usage counters.
type User struct {
	ID            string
	AuthID        string
	ProviderID    string
	Email         string
	DisplayName   string
	EmailVerified bool
	AvatarURL     string
	Tier          Tier

	DailyGenerations int
	LastDailyReset   time.Time
	TotalGenerated   int
	LastGenerationAt *time.Time
	TotalStorageUsed int64

	DefaultAspectRatio   AspectRatio
	DefaultDuration      float64
	NotificationsEnabled bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProfileUpdate carries a partial profile change. Nil fields are left untouched.
type ProfileUpdate struct {
	DisplayName          *string
	AvatarURL            *string
	DefaultAspectRatio   *AspectRatio
	DefaultDuration      *float64
	NotificationsEnabled *bool
	Tier                 *Tier
}

// Empty reports whether the update carries no changes.
func (u ProfileUpdate) Empty() bool {
	return u.DisplayName == nil && u.AvatarURL == nil && u.DefaultAspectRatio == nil &&
		u.DefaultDuration == nil && u.NotificationsEnabled == nil && u.Tier == nil
}

// AspectRatio is the frame shape requested from the generation provider.
type AspectRatio string

const (
	AspectLandscape AspectRatio = "16:9"
	AspectPortrait  AspectRatio = "9:16"
	AspectSquare    AspectRatio = "1:1"
)

// Resolution is the output resolution requested from the generation provider.
type Resolution string

const (
	Resolution720p Resolution = "720p"
)

// VideoStatus tracks a video record through its generation lifecycle.
type VideoStatus string

const (
	VideoStatusPending    VideoStatus = "pending"
	VideoStatusProcessing VideoStatus = "processing"
	VideoStatusCompleted  VideoStatus = "completed"
	VideoStatusFailed     VideoStatus = "failed"
	VideoStatusCancelled  VideoStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s VideoStatus) Terminal() bool {
	switch s {
	case VideoStatusCompleted, VideoStatusFailed, VideoStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s VideoStatus) Valid() bool {
	switch s {
	case VideoStatusPending, VideoStatusProcessing, VideoStatusCompleted, VideoStatusFailed, VideoStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a record may move from one status to another.
// Repeating the current non-terminal status is accepted as a no-op.
func CanTransition(from, to VideoStatus) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	switch from {
	case VideoStatusPending:
		return to != VideoStatusCompleted
	case VideoStatusProcessing:
		return to != VideoStatusPending
	}
	return false
}

// Video is one generated or generating artifact owned by a user.
type Video struct {
	ID                string
	UserID            string
	Prompt            string
	AspectRatio       AspectRatio
	Duration          float64
	Resolution        Resolution
	FrameRate         int
	CreatedAt         time.Time
	UpdatedAt         time.Time
	StorageKey        string
	ThumbnailKey      string
	VideoURL          string
	ThumbnailURL      string
	JobID             string
	Status            VideoStatus
	GenerationSeconds *float64
	ErrorMessage      *string

	Title      string
	Tags       []string
	IsFavorite bool
	ShareCount int
	ViewCount  int
}

// Default generation parameters applied to new records.
const (
	DefaultDuration  = 5.0
	DefaultFrameRate = 24
)

// NewVideo builds a pending record with a fresh id and its derived storage key.
func NewVideo(userID, prompt string, now time.Time) Video {
	id := uuid.NewString()
	return Video{
		ID:          id,
		UserID:      userID,
		Prompt:      prompt,
		AspectRatio: AspectLandscape,
		Duration:    DefaultDuration,
		Resolution:  Resolution720p,
		FrameRate:   DefaultFrameRate,
		CreatedAt:   now,
		UpdatedAt:   now,
		StorageKey:  StorageKeyFor(userID, id),
		Status:      VideoStatusPending,
	}
}

// StorageKeyFor derives the object storage key for a user's video. The key is a
// pure function of its inputs and never changes for the life of the record.
func StorageKeyFor(userID, videoID string) string {
	return fmt.Sprintf("users/%s/videos/%s.mp4", userID, videoID)
}

// ThumbnailKeyFor derives the object storage key for a video's thumbnail.
func ThumbnailKeyFor(userID, videoID string) string {
	return fmt.Sprintf("users/%s/thumbnails/%s.jpg", userID, videoID)
}

// StorageUsage summarises how much of the tier's storage allowance is in use.
type StorageUsage struct {
	TotalFiles      int
	TotalSizeBytes  int64
	AvailableBytes  int64
	UsagePercentage float64
}

// SessionTokens groups the bearer credentials issued to authenticated users.
type SessionTokens struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}
