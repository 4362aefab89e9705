//go:build !unix

package state

import (
	"context"
	"errors"
)

// FileLock is unavailable on this platform.
type FileLock struct{}

// Lock always fails: the state directory cannot be shared safely here.
func Lock(ctx context.Context, path string) (*FileLock, error) {
	return nil, errors.New("state: file locking is not supported on this platform")
}

// Unlock does nothing.
func (l *FileLock) Unlock() error { return nil }
