// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hostinstaller/hostupgrade/internal/app/upgrade"
	"github.com/hostinstaller/hostupgrade/internal/pkg/runner"
)

// checkCmd represents the check command.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report whether the installation can be upgraded",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := LoadConfig(rootOptions.config)
		if err != nil {
			return err
		}

		logger, err := newLogger(rootOptions.debug)
		if err != nil {
			return err
		}

		defer logger.Sync() //nolint:errcheck

		env := upgrade.NewEnv(runner.NewDryRun(runner.NewCommand(logger), logger), logger)

		src, err := upgrade.Detect(cmd.Context(), env.Mounter, cfg.Installation.RootDevice, cfg.Installation.Variant)
		if err != nil {
			return err
		}

		reg, err := checkUpgrade(upgrade.DefaultRegistry(), src)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s on %s: upgrade available (%s upgrader)\n", src, src.RootDevice, reg.Name)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

// checkUpgrade returns the registration which would upgrade src.
func checkUpgrade(registry *upgrade.Registry, src *upgrade.ExistingInstallation) (*upgrade.Registration, error) {
	reg, err := registry.Get(src.Name, src.Version, src.Variant)
	if err != nil {
		return nil, err
	}

	if len(registry.FilterUpgradeable([]*upgrade.ExistingInstallation{src})) == 0 {
		return nil, fmt.Errorf("installation %s on %s cannot be upgraded", src, src.RootDevice)
	}

	return reg, nil
}
