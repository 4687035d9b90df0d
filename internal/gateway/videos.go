package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vidfriends/vidgen/internal/logging"
	"github.com/vidfriends/vidgen/internal/models"
	"github.com/vidfriends/vidgen/internal/quota"
	"github.com/vidfriends/vidgen/internal/repositories"
)

// VideoContentType is stored with every uploaded artifact.
const VideoContentType = "video/mp4"

// DefaultSignedURLExpiry applies when SignedURL is called with a non-positive expiry.
const DefaultSignedURLExpiry = 3600 * time.Second

// UploadProgressFunc receives the fraction of the upload sequence completed.
type UploadProgressFunc func(fraction float64)

// UploadVideo stores data at the video's storage key, records the public URL on
// a completed metadata row and adds the payload size to the user's storage
// counter. Steps already completed are not undone when a later step fails.
func (g *Gateway) UploadVideo(ctx context.Context, data []byte, video models.Video, onProgress UploadProgressFunc) (models.Video, error) {
	user, err := g.requireUser()
	if err != nil {
		return models.Video{}, err
	}
	report := func(f float64) {
		if onProgress != nil {
			onProgress(f)
		}
	}

	ctx, span := logging.StartSpan(ctx, "upload")
	video, err = g.upload(ctx, user, data, video, report)
	span.End(err)
	if err != nil {
		return models.Video{}, wrap(ErrUploadFailed, err)
	}
	return video, nil
}

func (g *Gateway) upload(ctx context.Context, user models.User, data []byte, video models.Video, report UploadProgressFunc) (models.Video, error) {
	if video.UserID == "" {
		video.UserID = user.AuthID
	}
	if video.StorageKey == "" {
		video.StorageKey = models.StorageKeyFor(video.UserID, video.ID)
	}
	if err := g.checkUploadable(ctx, user, video); err != nil {
		return models.Video{}, err
	}
	report(0)

	key, err := g.objects.Upload(ctx, video.StorageKey, data, VideoContentType, true)
	if err != nil {
		return models.Video{}, fmt.Errorf("store object: %w", err)
	}
	report(0.6)

	publicURL := g.objects.PublicURL(key)
	if publicURL == "" {
		return models.Video{}, ErrEmptyPublicURL
	}
	report(0.7)

	video.VideoURL = publicURL
	video.Status = models.VideoStatusCompleted
	video.ErrorMessage = nil
	video.UpdatedAt = g.now()
	if err := g.videos.Upsert(ctx, video); err != nil {
		return models.Video{}, fmt.Errorf("save metadata: %w", err)
	}
	report(0.9)

	user, err = g.updateUser(ctx, func(u *models.User) error {
		u.TotalStorageUsed += int64(len(data))
		return nil
	})
	if err != nil {
		return models.Video{}, fmt.Errorf("update storage used: %w", err)
	}
	report(1)

	logging.FromContext(ctx).Info("video uploaded",
		"videoId", video.ID,
		"bytes", len(data),
		"storageUsed", user.TotalStorageUsed,
		"storagePercent", quota.StorageUsagePercentage(user),
	)
	return video, nil
}

// DownloadVideo reads an artifact owned by the signed-in user.
func (g *Gateway) DownloadVideo(ctx context.Context, key string) ([]byte, error) {
	user, err := g.requireUser()
	if err != nil {
		return nil, err
	}
	if err := ownsKey(user, key); err != nil {
		return nil, wrap(ErrDownloadFailed, err)
	}

	data, err := g.objects.Download(ctx, key)
	if err != nil {
		return nil, wrap(ErrDownloadFailed, err)
	}
	return data, nil
}

// DeleteVideo removes the artifact and then its metadata row. The user's
// storage counter is left unchanged.
func (g *Gateway) DeleteVideo(ctx context.Context, key string) error {
	user, err := g.requireUser()
	if err != nil {
		return err
	}
	if err := ownsKey(user, key); err != nil {
		return wrap(ErrDeleteFailed, err)
	}

	if err := g.objects.Remove(ctx, key); err != nil {
		return wrap(ErrDeleteFailed, fmt.Errorf("remove object: %w", err))
	}
	if err := g.videos.DeleteByStorageKey(ctx, key); err != nil {
		return wrap(ErrDeleteFailed, fmt.Errorf("delete metadata: %w", err))
	}

	logging.FromContext(ctx).Info("video deleted", "storageKey", key)
	return nil
}

// SignedURL returns a time-limited URL for an artifact owned by the signed-in user.
func (g *Gateway) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	user, err := g.requireUser()
	if err != nil {
		return "", err
	}
	if err := ownsKey(user, key); err != nil {
		return "", wrap(ErrSignedURLFailed, err)
	}
	if expiry <= 0 {
		expiry = DefaultSignedURLExpiry
	}

	signed, err := g.objects.SignedURL(ctx, key, expiry)
	if err != nil {
		return "", wrap(ErrSignedURLFailed, err)
	}
	return signed, nil
}

// SaveVideoMetadata upserts a metadata row, assigning it to the signed-in user
// when it has no owner.
func (g *Gateway) SaveVideoMetadata(ctx context.Context, video models.Video) error {
	user, err := g.requireUser()
	if err != nil {
		return err
	}
	if video.UserID == "" {
		video.UserID = user.AuthID
	}
	if err := g.videos.Upsert(ctx, video); err != nil {
		return wrap(ErrMetadataSaveFailed, err)
	}
	return nil
}

// LoadUserVideos returns the signed-in user's videos, newest first.
func (g *Gateway) LoadUserVideos(ctx context.Context) ([]models.Video, error) {
	user, err := g.requireUser()
	if err != nil {
		return nil, err
	}
	videos, err := g.videos.ListByUser(ctx, user.AuthID)
	if err != nil {
		return nil, wrap(ErrMetadataLoadFailed, err)
	}
	return videos, nil
}

// UpdateVideoStatus moves a record to status, stamping its update time and
// setting or clearing its error message.
func (g *Gateway) UpdateVideoStatus(ctx context.Context, id string, status models.VideoStatus, errorMessage *string) error {
	if _, err := g.requireUser(); err != nil {
		return err
	}

	current, err := g.videos.Find(ctx, id)
	if err != nil {
		return wrap(ErrMetadataUpdateFailed, err)
	}
	if !models.CanTransition(current.Status, status) {
		return wrap(ErrMetadataUpdateFailed, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status))
	}

	if err := g.videos.UpdateStatus(ctx, id, status, errorMessage, g.now()); err != nil {
		return wrap(ErrMetadataUpdateFailed, err)
	}
	return nil
}

// DeleteVideoMetadata removes a metadata row by id.
func (g *Gateway) DeleteVideoMetadata(ctx context.Context, id string) error {
	if _, err := g.requireUser(); err != nil {
		return err
	}
	if err := g.videos.Delete(ctx, id); err != nil {
		return wrap(ErrMetadataDeleteFailed, err)
	}
	return nil
}

// checkUploadable rejects records that belong to another user, whose storage
// key is not the one derived from their ids, or whose stored status cannot move
// to completed. A pending record passes through processing implicitly.
func (g *Gateway) checkUploadable(ctx context.Context, user models.User, video models.Video) error {
	if video.ID == "" {
		return errors.New("video id is required")
	}
	if video.UserID != user.AuthID {
		return fmt.Errorf("%w: video %s", ErrForeignObject, video.ID)
	}
	if err := ownsKey(user, video.StorageKey); err != nil {
		return err
	}
	if want := models.StorageKeyFor(video.UserID, video.ID); video.StorageKey != want {
		return fmt.Errorf("%w: %s, want %s", ErrStorageKeyMismatch, video.StorageKey, want)
	}

	from := video.Status
	stored, err := g.videos.Find(ctx, video.ID)
	switch {
	case err == nil:
		from = stored.Status
	case !errors.Is(err, repositories.ErrNotFound):
		return fmt.Errorf("load metadata: %w", err)
	}
	if from == "" || from == models.VideoStatusPending {
		from = models.VideoStatusProcessing
	}
	if !models.CanTransition(from, models.VideoStatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, models.VideoStatusCompleted)
	}
	return nil
}

func ownsKey(user models.User, key string) error {
	if !strings.HasPrefix(strings.TrimLeft(key, "/"), "users/"+user.AuthID+"/") {
		return fmt.Errorf("%w: %s", ErrForeignObject, key)
	}
	return nil
}
