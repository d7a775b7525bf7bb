// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/hostinstaller/hostupgrade/internal/app/upgrade"
	"github.com/hostinstaller/hostupgrade/internal/pkg/partition"
	"github.com/hostinstaller/hostupgrade/internal/pkg/runner"
	"github.com/hostinstaller/hostupgrade/pkg/constants"
)

// Config is the document driving an upgrade.
type Config struct {
	Installation InstallationConfig `yaml:"installation"`
	Answers      upgrade.Answers    `yaml:"answers"`
	Install      InstallConfig      `yaml:"install"`
}

// InstallationConfig locates the installation to upgrade.
type InstallationConfig struct {
	// RootDevice defaults to the primary partition of the primary disk.
	RootDevice string `yaml:"rootDevice"`
	Variant    string `yaml:"variant"`
}

// InstallConfig is the hook laying the new system down.
type InstallConfig struct {
	// Command is run with the primary disk appended to its arguments.
	Command []string `yaml:"command"`
	// Root is where the command leaves the new root filesystem mounted.
	Root string `yaml:"root"`
}

// DecodeConfig reads a Config, rejecting unknown fields.
func DecodeConfig(r io.Reader) (*Config, error) {
	cfg := &Config{
		Answers: *upgrade.NewDefaultAnswers(""),
	}

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.Answers.PrimaryDisk == "" {
		return nil, errors.New("answers.primaryDisk is required")
	}

	if cfg.Installation.RootDevice == "" {
		cfg.Installation.RootDevice = partition.DevName(cfg.Answers.PrimaryDisk, cfg.Answers.Partitions.Primary)
	}

	if cfg.Installation.Variant == "" {
		cfg.Installation.Variant = constants.ProductVariantRetail
	}

	return cfg, nil
}

// LoadConfig reads the Config at path.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return DecodeConfig(bytes.NewReader(b))
}

// installHook runs the configured install command.
func (c InstallConfig) installHook(r runner.Runner, logger *zap.Logger) (upgrade.InstallFunc, error) {
	if len(c.Command) == 0 || c.Root == "" {
		return nil, errors.New("install.command and install.root are required")
	}

	return func(ctx context.Context, answers *upgrade.Answers) (upgrade.Mounts, error) {
		args := append(append([]string{}, c.Command[1:]...), answers.PrimaryDisk)

		logger.Info("installing new system", zap.String("command", c.Command[0]), zap.Strings("args", args))

		if _, err := r.Run(ctx, c.Command[0], args...); err != nil {
			return upgrade.Mounts{}, err
		}

		return upgrade.Mounts{Root: c.Root}, nil
	}, nil
}
