// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

//go:build windows

package checkpoint

import (
	"os"

	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

// acquireLock only creates the lock file on Windows; exclusive access is
// not enforced.
func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, sigilerr.Wrap(err, sigilerr.CodeCheckpointIOFailure, "opening checkpoint lock")
	}
	return f, nil
}

func releaseLock(f *os.File) error {
	return f.Close()
}
