package tryon

import "errors"

// ErrProviderUnavailable means the generation API could not be reached or
// answered with a server error. The attempt never ran, so callers may refund quota.
var ErrProviderUnavailable = errors.New("generation provider unavailable")

// ErrGenerationFailed means the provider ran the job and reported failure
// (bad pose, unreadable garment, content rejection). Quota stays charged.
var ErrGenerationFailed = errors.New("generation failed")

// ErrUnsupportedImage is returned by ReadImage for anything but JPEG, PNG or WebP.
var ErrUnsupportedImage = errors.New("unsupported image type")

// ErrImageTooLarge is returned by ReadImage when the upload exceeds the byte cap.
var ErrImageTooLarge = errors.New("image too large")

// ErrInvalidCategory is returned by ParseCategory for unknown garment categories.
var ErrInvalidCategory = errors.New("invalid garment category")
