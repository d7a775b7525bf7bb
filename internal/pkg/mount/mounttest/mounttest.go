// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mounttest provides a Mounter serving plain directories.
package mounttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/hostinstaller/hostupgrade/internal/pkg/mount"
)

// Request is a recorded mount.
type Request struct {
	Source  string
	Options mount.Options
}

// Dirs "mounts" each device on a fixed directory.
type Dirs struct {
	// Devices maps a device to the directory holding its contents.
	Devices map[string]string

	mu       sync.Mutex
	requests []Request
	active   int
}

// Mount implements mount.Mounter.
func (d *Dirs) Mount(ctx context.Context, source string, setters ...mount.Option) (*mount.Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, ok := d.Devices[source]
	if !ok {
		return nil, fmt.Errorf("no filesystem found on %s", source)
	}

	d.mu.Lock()
	d.requests = append(d.requests, Request{Source: source, Options: *mount.NewDefaultOptions(setters...)})
	d.active++
	d.mu.Unlock()

	return mount.NewPoint(source, dir, func() error {
		d.mu.Lock()
		d.active--
		d.mu.Unlock()

		return nil
	}), nil
}

// Requests returns the recorded mounts.
func (d *Dirs) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]Request(nil), d.requests...)
}

// Active returns the number of mounts not yet released.
func (d *Dirs) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.active
}
