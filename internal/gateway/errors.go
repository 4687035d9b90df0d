package gateway

import (
	"errors"
	"fmt"
)

// Error kinds returned by Gateway operations. Each returned error wraps exactly
// one kind plus the underlying cause, so errors.Is matches both.
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrSignOutFailed        = errors.New("sign out failed")
	ErrUserNotAuthenticated = errors.New("user not authenticated")
	ErrUserNotFound         = errors.New("user not found")
	ErrProfileSaveFailed    = errors.New("profile save failed")
	ErrProfileUpdateFailed  = errors.New("profile update failed")
	ErrUploadFailed         = errors.New("upload failed")
	ErrDownloadFailed       = errors.New("download failed")
	ErrDeleteFailed         = errors.New("delete failed")
	ErrSignedURLFailed      = errors.New("signed url failed")
	ErrMetadataSaveFailed   = errors.New("video metadata save failed")
	ErrMetadataLoadFailed   = errors.New("video metadata load failed")
	ErrMetadataUpdateFailed = errors.New("video metadata update failed")
	ErrMetadataDeleteFailed = errors.New("video metadata delete failed")
	ErrStorageUsageFailed   = errors.New("storage usage failed")
)

var (
	// ErrInvalidTransition is wrapped when a status update would violate the video lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDailyLimitReached is returned when the tier's daily generation allowance is used up.
	ErrDailyLimitReached = errors.New("daily generation limit reached")
	// ErrForeignObject is wrapped when a storage key lies outside the signed-in user's prefix.
	ErrForeignObject = errors.New("object belongs to another user")
	// ErrStorageKeyMismatch is wrapped when an upload's storage key is not derived from its user and video ids.
	ErrStorageKeyMismatch = errors.New("storage key does not match video")
	// ErrEmptyPublicURL is wrapped when the object store cannot resolve a public location.
	ErrEmptyPublicURL = errors.New("object store returned an empty public url")
)

func wrap(kind, cause error) error {
	return fmt.Errorf("%w: %w", kind, cause)
}
