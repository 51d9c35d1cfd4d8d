package blob

import "errors"

// ErrInvalidKey is returned for keys that are empty or escape their bucket.
var ErrInvalidKey = errors.New("invalid blob key")
