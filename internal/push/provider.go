package push

import "errors"

// ErrStaleToken is the sentinel a Provider implementation wraps (via
// fmt.Errorf("...: %w", ErrStaleToken)) to report that the platform
// gateway has permanently rejected a device token — e.g. APNs'
// BadDeviceToken or FCM's UNREGISTERED — as opposed to a transient
// delivery failure that should simply be retried with backoff.
var ErrStaleToken = errors.New("push: device token permanently invalid")
