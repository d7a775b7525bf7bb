// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package upgrade

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// InstallFunc lays the new system down on the prepared disk and returns its mounts.
type InstallFunc func(ctx context.Context, answers *Answers) (Mounts, error)

// StageProgressFunc receives the progress of the named stage.
type StageProgressFunc func(stage string, percent int)

// Stage names.
const (
	StageBackup          = "backup"
	StagePrepareTarget   = "prepare target"
	StageInstall         = "install"
	StagePrepareUpgrade  = "prepare upgrade"
	StageCompleteUpgrade = "complete upgrade"
)

type stage struct {
	name string
	run  func(ctx context.Context, p *Pipeline, u Upgrader, a *Answers, src *ExistingInstallation, progress ProgressFunc) error
}

// stages run in order. The backup runs first: it frees the space of the
// storage partition and records the volume group recreated by the transform.
var stages = []stage{
	{name: StageBackup, run: runBackup},
	{name: StagePrepareTarget, run: runPrepareTarget},
	{name: StageInstall, run: runInstall},
	{name: StagePrepareUpgrade, run: runPrepareUpgrade},
	{name: StageCompleteUpgrade, run: runCompleteUpgrade},
}

// Pipeline drives an upgrader through the stages of an upgrade.
type Pipeline struct {
	Registry *Registry
	Env      Env
	Install  InstallFunc
	Progress StageProgressFunc
}

// NewPipeline returns a Pipeline using the default registry.
func NewPipeline(env Env, install InstallFunc) *Pipeline {
	return &Pipeline{
		Registry: DefaultRegistry(),
		Env:      env,
		Install:  install,
	}
}

// Run upgrades src, updating answers with the result of each stage.
//
// The first failing stage aborts the attempt, nothing is retried. Cancellation
// of ctx is honoured between stages.
func (p *Pipeline) Run(ctx context.Context, answers *Answers, src *ExistingInstallation) error {
	if p.Install == nil {
		return errors.New("no install step configured")
	}

	u, err := p.Registry.NewUpgrader(ctx, p.Env, src)
	if err != nil {
		return err
	}

	for _, s := range stages {
		if err = ctx.Err(); err != nil {
			return fmt.Errorf("upgrade cancelled before %s: %w", s.name, err)
		}

		p.Env.Logger.Info("starting stage", zap.String("stage", s.name))

		done := stageTimer(p.Env.Logger, s.name)

		if err = s.run(ctx, p, u, answers, src, p.progress(s.name)); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}

		done()
	}

	return nil
}

// Plan previews the partition changes of an upgrade of src without running any stage.
func (p *Pipeline) Plan(ctx context.Context, answers *Answers, src *ExistingInstallation) (TargetPlan, error) {
	u, err := p.Registry.NewUpgrader(ctx, p.Env, src)
	if err != nil {
		return TargetPlan{}, err
	}

	planner, ok := u.(Planner)
	if !ok {
		return TargetPlan{}, fmt.Errorf("upgrader cannot preview partition changes: %w", errors.ErrUnsupported)
	}

	return planner.PlanTarget(ctx, backupParams(answers), prepareTargetParams(answers))
}

func (p *Pipeline) progress(name string) ProgressFunc {
	if p.Progress == nil {
		return nil
	}

	return func(percent int) {
		p.Progress(name, percent)
	}
}

func backupParams(a *Answers) BackupParams {
	return BackupParams{
		Disk:          a.PrimaryDisk,
		TableKind:     a.PartitionTableType,
		BackupNumber:  a.Partitions.Backup,
		BootNumber:    a.Partitions.Boot,
		StorageNumber: a.Partitions.Storage,
		LogsNumber:    a.Partitions.Logs,
	}
}

func prepareTargetParams(a *Answers) PrepareTargetParams {
	return PrepareTargetParams{
		Disk:      a.PrimaryDisk,
		BootMode:  a.TargetBootMode,
		Numbering: a.Partitions,
		TableKind: a.PartitionTableType,
		NewLayout: a.NewPartitionLayout,
	}
}

func runBackup(ctx context.Context, _ *Pipeline, u Upgrader, a *Answers, _ *ExistingInstallation, progress ProgressFunc) error {
	return u.DoBackup(ctx, backupParams(a), progress)
}

func runPrepareTarget(ctx context.Context, _ *Pipeline, u Upgrader, a *Answers, _ *ExistingInstallation, progress ProgressFunc) error {
	result, err := u.PrepareTarget(ctx, prepareTargetParams(a), progress)
	if err != nil {
		return err
	}

	a.NewPartitionLayout = result.NewLayout

	return nil
}

func runInstall(ctx context.Context, p *Pipeline, _ Upgrader, a *Answers, _ *ExistingInstallation, _ ProgressFunc) error {
	mounts, err := p.Install(ctx, a)
	if err != nil {
		return err
	}

	if mounts.Root == "" {
		return errors.New("install step did not report the root mount")
	}

	a.Mounts = mounts

	return nil
}

func runPrepareUpgrade(ctx context.Context, _ *Pipeline, u Upgrader, a *Answers, _ *ExistingInstallation, _ ProgressFunc) error {
	result, err := u.PrepareUpgrade(ctx, PrepareUpgradeParams{
		InstallationUUID:  a.InstallationUUID,
		ControlDomainUUID: a.ControlDomainUUID,
	})
	if err != nil {
		return err
	}

	a.InstallationUUID = result.InstallationUUID
	a.ControlDomainUUID = result.ControlDomainUUID

	return nil
}

func runCompleteUpgrade(ctx context.Context, _ *Pipeline, u Upgrader, a *Answers, src *ExistingInstallation, _ ProgressFunc) error {
	return u.CompleteUpgrade(ctx, CompleteUpgradeParams{
		Mounts:       a.Mounts,
		Previous:     src,
		Disk:         a.PrimaryDisk,
		BackupNumber: a.Partitions.Backup,
		TargetDiskID: a.TargetDiskID,
	})
}
