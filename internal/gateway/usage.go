package gateway

import (
	"context"
	"errors"

	"github.com/vidfriends/vidgen/internal/models"
	"github.com/vidfriends/vidgen/internal/quota"
)

// StorageUsage reports the signed-in user's storage. Byte totals are the video
// count times a flat per-video estimate, not measured object sizes.
func (g *Gateway) StorageUsage(ctx context.Context) (models.StorageUsage, error) {
	user, err := g.requireUser()
	if err != nil {
		return models.StorageUsage{}, err
	}

	count, err := g.videos.CountByUser(ctx, user.AuthID)
	if err != nil {
		return models.StorageUsage{}, wrap(ErrStorageUsageFailed, err)
	}

	total := int64(count) * g.sizeEstimate
	available := quota.MaxStorageBytes(user.Tier) - total
	if available < 0 {
		available = 0
	}

	return models.StorageUsage{
		TotalFiles:      count,
		TotalSizeBytes:  total,
		AvailableBytes:  available,
		UsagePercentage: quota.StorageUsagePercentage(user),
	}, nil
}

// RecordGeneration charges one generation against the signed-in user's daily
// allowance, resetting the counter first when a new day has started.
func (g *Gateway) RecordGeneration(ctx context.Context) (models.User, error) {
	if _, err := g.requireUser(); err != nil {
		return models.User{}, err
	}

	user, err := g.updateUser(ctx, func(u *models.User) error {
		now := g.now()
		quota.ApplyDailyResetIfNeeded(u, now)
		if !quota.CanGenerateVideo(*u, now) {
			return ErrDailyLimitReached
		}
		quota.IncrementGenerationCount(u, now)
		return nil
	})
	switch {
	case errors.Is(err, ErrDailyLimitReached), errors.Is(err, ErrUserNotAuthenticated):
		return models.User{}, err
	case err != nil:
		return models.User{}, wrap(ErrProfileUpdateFailed, err)
	}
	return user, nil
}
