// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package runner

import (
	"context"
	"slices"

	"go.uber.org/zap"
)

// DryRun passes read-only queries to the wrapped Runner and only logs everything else.
type DryRun struct {
	Inner  Runner
	Logger *zap.Logger

	// Query reports whether a command only reads state.
	Query func(Call) bool
}

// NewDryRun wraps inner so that no command modifying the host is executed.
func NewDryRun(inner Runner, logger *zap.Logger) *DryRun {
	return &DryRun{
		Inner:  inner,
		Logger: logger,
		Query:  IsQuery,
	}
}

// Run implements Runner.
func (d *DryRun) Run(ctx context.Context, name string, args ...string) (string, error) {
	call := Call{Name: name, Args: args}

	if d.Query != nil && d.Query(call) {
		return d.Inner.Run(ctx, name, args...)
	}

	d.Logger.Info("dry run: skipping command", zap.Stringer("command", call))

	return "", nil
}

// IsQuery recognizes the read-only invocations used by the upgrade engine.
func IsQuery(c Call) bool {
	switch c.Name {
	case "sfdisk":
		return slices.Contains(c.Args, "--json")
	case "lvm":
		return len(c.Args) > 0 && c.Args[0] == "pvs"
	case "blkid", "stat":
		return true
	default:
		return false
	}
}
