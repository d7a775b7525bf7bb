// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package runner provides the capability to run privileged commands against devices.
package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/siderolabs/go-cmd/pkg/cmd"
	"go.uber.org/zap"
)

// Runner runs an external command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// Command runs commands on the host.
type Command struct {
	Logger *zap.Logger
}

// NewCommand returns a Runner executing commands on the host.
func NewCommand(logger *zap.Logger) *Command {
	return &Command{Logger: logger}
}

// Run implements Runner.
func (c *Command) Run(ctx context.Context, name string, args ...string) (string, error) {
	c.Logger.Debug("running command", zap.String("command", name), zap.Strings("args", args))

	out, err := cmd.RunContext(ctx, name, args...)
	if err != nil {
		return out, fmt.Errorf("%s: %w", Call{Name: name, Args: args}, err)
	}

	return out, nil
}

// Call is a single command invocation.
type Call struct {
	Name string
	Args []string
}

// String returns the command line.
func (c Call) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}
