// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

//go:build !windows

package checkpoint

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"

	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

// acquireLock takes an exclusive, non-blocking flock on path.
func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, sigilerr.Wrap(err, sigilerr.CodeCheckpointIOFailure, "opening checkpoint lock")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, sigilerr.New(sigilerr.CodeCheckpointLockConflict,
				"checkpoint directory is in use by another process", sigilerr.Field("path", path))
		}
		return nil, sigilerr.Wrap(err, sigilerr.CodeCheckpointIOFailure, "locking checkpoint directory")
	}
	return f, nil
}

func releaseLock(f *os.File) error {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return f.Close()
}
