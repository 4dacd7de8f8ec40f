package util

import (
	"path/filepath"
	"time"
)

// Common timeout durations
const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	RetryDelay            = 2 * time.Second
)

// ResolvePath joins base and rel, but if rel is an absolute path it is returned
// directly (cleaned). Go's filepath.Join strips leading slashes from later
// arguments, so filepath.Join("a", "/b") returns "a/b" not "/b".  This helper
// gives the intuitive behaviour: absolute paths override the base.
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}
