// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package makefs

import (
	"context"
	"errors"
	"fmt"

	"github.com/hostinstaller/hostupgrade/internal/pkg/runner"
)

// Ext3 creates an ext3 filesystem on the specified partition.
func Ext3(ctx context.Context, r runner.Runner, partname string, setters ...Option) error {
	if partname == "" {
		return errors.New("missing path to disk")
	}

	opts := NewDefaultOptions(setters...)

	var args []string

	if opts.Force {
		args = append(args, "-F")
	}

	args = append(args, partname)

	if _, err := r.Run(ctx, "mkfs.ext3", args...); err != nil {
		return fmt.Errorf("failed to format filesystem on %s: %w", partname, err)
	}

	return nil
}
