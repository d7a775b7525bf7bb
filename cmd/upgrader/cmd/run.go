// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hostinstaller/hostupgrade/internal/app/upgrade"
	"github.com/hostinstaller/hostupgrade/internal/pkg/partition"
	"github.com/hostinstaller/hostupgrade/internal/pkg/runner"
)

var runOptions struct {
	dryRun bool
}

// runCmd represents the run command.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Back up, repartition and upgrade the installation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runUpgrade(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&runOptions.dryRun, "dry-run", false, "Show the partition changes without running any stage")
	rootCmd.AddCommand(runCmd)
}

func runUpgrade(ctx context.Context) error {
	cfg, err := LoadConfig(rootOptions.config)
	if err != nil {
		return err
	}

	logger, err := newLogger(rootOptions.debug)
	if err != nil {
		return err
	}

	defer logger.Sync() //nolint:errcheck

	var r runner.Runner = runner.NewCommand(logger)

	if runOptions.dryRun {
		r = runner.NewDryRun(r, logger)
	}

	env := upgrade.NewEnv(r, logger)

	src, err := upgrade.Detect(ctx, env.Mounter, cfg.Installation.RootDevice, cfg.Installation.Variant)
	if err != nil {
		return err
	}

	if !src.Upgradeable {
		return fmt.Errorf("installation %s on %s cannot be upgraded", src, src.RootDevice)
	}

	pipeline := upgrade.NewPipeline(env, nil)

	if runOptions.dryRun {
		plan, err := pipeline.Plan(ctx, &cfg.Answers, src)
		if err != nil {
			return err
		}

		logPlan(logger, plan)

		return nil
	}

	if pipeline.Install, err = cfg.Install.installHook(r, logger); err != nil {
		return err
	}

	pipeline.Progress = func(stage string, percent int) {
		logger.Info("progress", zap.String("stage", stage), zap.Int("percent", percent))
	}

	if err = pipeline.Run(ctx, &cfg.Answers, src); err != nil {
		return err
	}

	logger.Info("upgrade complete",
		zap.Stringer("from", src),
		zap.Bool("new_partition_layout", cfg.Answers.NewPartitionLayout),
		zap.String("installation_uuid", cfg.Answers.InstallationUUID),
	)

	return nil
}

func logPlan(logger *zap.Logger, plan upgrade.TargetPlan) {
	logger.Info("planned partition changes",
		zap.Bool("grows_backup", plan.GrowsBackup),
		zap.Stringer("change", plan.Decision.Change),
		zap.Bool("new_partition_layout", plan.Decision.NewLayout),
	)

	if plan.Table == nil {
		return
	}

	partition.NewTool(nil, logger).LogLayout(plan.Table)

	if plan.Table.Dirty() {
		logger.Info("partition table would be written", zap.Strings("sgdisk", partition.CommitArgs(plan.Table)))
	}
}
