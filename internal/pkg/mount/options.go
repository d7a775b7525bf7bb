// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mount

// Options is the functional options struct.
type Options struct {
	ReadOnly   bool
	FSType     string
	BootDevice string
	Prefix     string
}

// Option is the functional option func.
type Option func(*Options)

// WithReadOnly mounts the filesystem read-only.
func WithReadOnly(readonly bool) Option {
	return func(args *Options) {
		args.ReadOnly = readonly
	}
}

// WithFSType sets the filesystem type; it is detected when empty.
func WithFSType(fstype string) Option {
	return func(args *Options) {
		args.FSType = fstype
	}
}

// WithBootDevice attaches a separate boot partition under boot/efi of the mount.
func WithBootDevice(device string) Option {
	return func(args *Options) {
		args.BootDevice = device
	}
}

// WithPrefix sets the name prefix of the temporary mount directory.
func WithPrefix(prefix string) Option {
	return func(args *Options) {
		args.Prefix = prefix
	}
}

// NewDefaultOptions initializes a Options struct with default values.
func NewDefaultOptions(setters ...Option) *Options {
	opts := &Options{
		Prefix: "mnt-",
	}

	for _, setter := range setters {
		setter(opts)
	}

	return opts
}
