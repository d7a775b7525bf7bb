// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mount

import (
	"context"
	"errors"
	"time"

	"github.com/siderolabs/go-retry/retry"
	"golang.org/x/sys/unix"
)

const (
	busyTimeout  = 5 * time.Second
	busyInterval = 100 * time.Millisecond
)

// WithRetry attempts to retry a mount on EBUSY. It will attempt a retry
// every 100 milliseconds over the course of 5 seconds.
func WithRetry(ctx context.Context, source, target, fstype string, flags uintptr) error {
	return retry.Constant(busyTimeout, retry.WithUnits(busyInterval)).RetryWithContext(ctx, func(context.Context) error {
		return busy(unix.Mount(source, target, fstype, flags, ""))
	})
}

// UnWithRetry attempts to retry an unmount on EBUSY. It will attempt a
// retry every 100 milliseconds over the course of 5 seconds.
func UnWithRetry(target string) error {
	return retry.Constant(busyTimeout, retry.WithUnits(busyInterval)).Retry(func() error {
		return busy(unix.Unmount(target, 0))
	})
}

func busy(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EBUSY):
		return retry.ExpectedError(err)
	default:
		return retry.UnexpectedError(err)
	}
}
