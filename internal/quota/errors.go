package quota

import "errors"

// ErrIdentityMissing is returned when a request carries neither a user id nor a
// device fingerprint. Surfaced as HTTP 400.
var ErrIdentityMissing = errors.New("identity missing")

// ErrStorageUnavailable wraps any persistence failure. The returned Status always
// has CanGenerate=false. Surfaced as HTTP 503.
var ErrStorageUnavailable = errors.New("limit storage unavailable")

// ErrNoCharge is returned by Refund when the given Status names no charged window.
var ErrNoCharge = errors.New("no charged window to refund")
