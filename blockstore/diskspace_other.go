//go:build windows

package blockstore

import "math"

// freeBytes has no portable cheap implementation on this platform; callers
// treat a failure here as "skip the pre-check", so report an error rather
// than a possibly-wrong number.
func freeBytes(path string) (uint64, error) {
	return math.MaxUint64, errNotSupported
}

var errNotSupported = &platformError{"free space check not supported on windows"}

type platformError struct{ s string }

func (e *platformError) Error() string { return e.s }
