package jobs

import "errors"

// ErrPermanent marks a failure that retrying cannot fix. Handlers wrap
// it to fail a job immediately instead of burning attempts.
var ErrPermanent = errors.New("permanent job failure")

var ErrUnknownJobType = errors.New("unknown job type")
