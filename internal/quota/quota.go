// Package quota derives generation and storage allowances from a user's tier
// and usage counters. Every function is pure; callers persist any mutation.
package quota

import (
	"time"

	"github.com/vidfriends/vidgen/internal/models"
)

// Limits defines the numeric allowances for a subscription tier.
type Limits struct {
	// DailyGenerations is the number of videos that may be generated per calendar day.
	DailyGenerations int
	// MaxStorageBytes is the ceiling for cumulative stored video bytes.
	MaxStorageBytes int64
}

// Storage threshold fractions used for UI gating.
const (
	NearLimitThreshold = 0.8
	AtLimitThreshold   = 1.0
)

// Tiers maps every subscription tier to its limits. Unknown tiers fall back to free.
var Tiers = map[models.Tier]Limits{
	models.TierFree: {
		DailyGenerations: 3,
		MaxStorageBytes:  500_000_000,
	},
	models.TierTrial: {
		DailyGenerations: 10,
		MaxStorageBytes:  2_000_000_000,
	},
	models.TierPremium: {
		DailyGenerations: 50,
		MaxStorageBytes:  20_000_000_000,
	},
	models.TierExpired: {
		DailyGenerations: 0,
		MaxStorageBytes:  500_000_000,
	},
}

// LimitsFor returns the limits for a tier.
func LimitsFor(tier models.Tier) Limits {
	if limits, ok := Tiers[tier]; ok {
		return limits
	}
	return Tiers[models.TierFree]
}

// DailyGenerationLimit returns how many generations the tier allows per day.
func DailyGenerationLimit(tier models.Tier) int {
	return LimitsFor(tier).DailyGenerations
}

// MaxStorageBytes returns the storage ceiling for the tier.
func MaxStorageBytes(tier models.Tier) int64 {
	return LimitsFor(tier).MaxStorageBytes
}

// NeedsDailyReset reports whether now falls on a later calendar day than the
// user's last reset. Days are compared in now's location.
func NeedsDailyReset(user models.User, now time.Time) bool {
	return calendarDay(now, now.Location()).After(calendarDay(user.LastDailyReset, now.Location()))
}

// CanGenerateVideo reports whether the user may start another generation at now.
// A pending daily reset always reports true, whatever the tier; apply the reset
// first to gate on the new day's allowance.
func CanGenerateVideo(user models.User, now time.Time) bool {
	if NeedsDailyReset(user, now) {
		return true
	}
	return user.DailyGenerations < DailyGenerationLimit(user.Tier)
}

// RemainingGenerationsToday returns the unused daily allowance. No implicit reset
// is applied; call ApplyDailyResetIfNeeded first when that matters.
func RemainingGenerationsToday(user models.User) int {
	remaining := DailyGenerationLimit(user.Tier) - user.DailyGenerations
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ApplyDailyResetIfNeeded zeroes the daily counter when now is on a later day.
func ApplyDailyResetIfNeeded(user *models.User, now time.Time) {
	if user == nil || !NeedsDailyReset(*user, now) {
		return
	}
	user.DailyGenerations = 0
	user.LastDailyReset = now
}

// IncrementGenerationCount records one generation at now.
func IncrementGenerationCount(user *models.User, now time.Time) {
	if user == nil {
		return
	}
	ApplyDailyResetIfNeeded(user, now)
	user.DailyGenerations++
	user.TotalGenerated++
	stamp := now
	user.LastGenerationAt = &stamp
}

// StorageUsagePercentage returns the used fraction of the tier's storage, clamped to 1.
func StorageUsagePercentage(user models.User) float64 {
	limit := MaxStorageBytes(user.Tier)
	if user.TotalStorageUsed <= 0 {
		return 0
	}
	fraction := float64(user.TotalStorageUsed) / float64(limit)
	if fraction > 1 {
		return 1
	}
	return fraction
}

// IsStorageNearLimit reports usage above the warning threshold.
func IsStorageNearLimit(user models.User) bool {
	return StorageUsagePercentage(user) > NearLimitThreshold
}

// IsStorageAtLimit reports usage at or above the tier ceiling.
func IsStorageAtLimit(user models.User) bool {
	return StorageUsagePercentage(user) >= AtLimitThreshold
}

func calendarDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
