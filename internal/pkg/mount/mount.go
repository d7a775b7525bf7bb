// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mount provides scoped temporary mounts.
package mount

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/siderolabs/go-blockdevice/v2/blkid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Mounter mounts a device and returns the scoped handle to it.
type Mounter interface {
	Mount(ctx context.Context, source string, setters ...Option) (*Point, error)
}

// Point is a mounted filesystem.
//
// The mount is owned by the Point until Unmount is called; Unmount may be
// called any number of times.
type Point struct {
	source string
	target string

	release func() error
	once    sync.Once
	err     error
}

// NewPoint returns a Point released by calling release once.
func NewPoint(source, target string, release func() error) *Point {
	return &Point{
		source:  source,
		target:  target,
		release: release,
	}
}

// Source returns the mounted device.
func (p *Point) Source() string {
	return p.source
}

// Target returns the mount point directory.
func (p *Point) Target() string {
	return p.target
}

// Join returns a path inside the mounted filesystem.
func (p *Point) Join(elem ...string) string {
	return filepath.Join(append([]string{p.target}, elem...)...)
}

// Unmount releases the mount.
func (p *Point) Unmount() error {
	p.once.Do(func() {
		if p.release != nil {
			p.err = p.release()
		}
	})

	return p.err
}

// TempMounter mounts devices on temporary directories.
type TempMounter struct {
	Logger *zap.Logger

	// Dir is the parent of the mount directories, the default temporary directory if empty.
	Dir string
}

// NewTempMounter returns a TempMounter.
func NewTempMounter(logger *zap.Logger) *TempMounter {
	return &TempMounter{Logger: logger}
}

// Mount implements Mounter.
func (m *TempMounter) Mount(ctx context.Context, source string, setters ...Option) (*Point, error) {
	opts := NewDefaultOptions(setters...)

	target, err := os.MkdirTemp(m.Dir, opts.Prefix)
	if err != nil {
		return nil, fmt.Errorf("error creating mount point for %s: %w", source, err)
	}

	var flags uintptr

	if opts.ReadOnly {
		flags |= unix.MS_RDONLY
	}

	fstype, err := m.fstype(source, opts.FSType)
	if err != nil {
		os.Remove(target) //nolint:errcheck

		return nil, err
	}

	if err = WithRetry(ctx, source, target, fstype, flags); err != nil {
		os.Remove(target) //nolint:errcheck

		return nil, fmt.Errorf("error mounting %s: %w", source, err)
	}

	m.Logger.Debug("mounted", zap.String("source", source), zap.String("target", target), zap.Bool("readonly", opts.ReadOnly))

	targets := []string{target}

	if opts.BootDevice != "" {
		bootTarget := filepath.Join(target, "boot", "efi")

		bootType, bootErr := m.fstype(opts.BootDevice, "")
		if bootErr == nil {
			bootErr = WithRetry(ctx, opts.BootDevice, bootTarget, bootType, flags)
		}

		if bootErr != nil {
			err = fmt.Errorf("error mounting %s: %w", opts.BootDevice, bootErr)

			if unmountErr := m.release(targets, target); unmountErr != nil {
				err = multierror.Append(err, unmountErr)
			}

			return nil, err
		}

		targets = append(targets, bootTarget)
	}

	return NewPoint(source, target, func() error {
		return m.release(targets, target)
	}), nil
}

// release unmounts targets in reverse order and removes the mount directory.
func (m *TempMounter) release(targets []string, dir string) error {
	var result *multierror.Error

	for i := len(targets) - 1; i >= 0; i-- {
		if err := UnWithRetry(targets[i]); err != nil {
			result = multierror.Append(result, fmt.Errorf("error unmounting %s: %w", targets[i], err))
		}
	}

	if result.ErrorOrNil() != nil {
		return result.ErrorOrNil()
	}

	m.Logger.Debug("unmounted", zap.String("target", dir))

	if err := os.Remove(dir); err != nil {
		return fmt.Errorf("error removing mount point %s: %w", dir, err)
	}

	return nil
}

func (m *TempMounter) fstype(source, fstype string) (string, error) {
	if fstype != "" {
		return fstype, nil
	}

	info, err := blkid.ProbePath(source, blkid.WithSkipLocking(true))
	if err != nil {
		return "", fmt.Errorf("error probing %s: %w", source, err)
	}

	if info.Name == "" {
		return "", fmt.Errorf("no filesystem found on %s", source)
	}

	return info.Name, nil
}
