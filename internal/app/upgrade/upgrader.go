// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package upgrade upgrades an existing installation in place.
package upgrade

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hostinstaller/hostupgrade/internal/pkg/layout"
	"github.com/hostinstaller/hostupgrade/internal/pkg/mount"
	"github.com/hostinstaller/hostupgrade/internal/pkg/netrename"
	"github.com/hostinstaller/hostupgrade/internal/pkg/partition"
	"github.com/hostinstaller/hostupgrade/internal/pkg/restore"
	"github.com/hostinstaller/hostupgrade/internal/pkg/runner"
	"github.com/hostinstaller/hostupgrade/pkg/constants"
)

// ErrMissingIdentifiers is returned when the inventory lacks the installation identifiers.
var ErrMissingIdentifiers = errors.New("required identifiers missing from the inventory")

// ProgressFunc receives the progress of a stage as a percentage.
type ProgressFunc func(percent int)

// BackupParams are the inputs of DoBackup.
type BackupParams struct {
	Disk      string
	TableKind partition.Kind

	BackupNumber  int
	BootNumber    int
	StorageNumber int
	LogsNumber    int
}

// PrepareTargetParams are the inputs of PrepareTarget.
type PrepareTargetParams struct {
	Disk      string
	BootMode  layout.BootMode
	Numbering layout.Numbering
	TableKind partition.Kind

	// NewLayout is the current belief about the layout of the disk.
	NewLayout bool
}

// PrepareTargetResult is the outcome of PrepareTarget.
type PrepareTargetResult struct {
	NewLayout bool
}

// PrepareUpgradeParams are the inputs of PrepareUpgrade.
type PrepareUpgradeParams struct {
	InstallationUUID  string
	ControlDomainUUID string
}

// PrepareUpgradeResult are the identifiers the new installation keeps.
type PrepareUpgradeResult struct {
	InstallationUUID  string
	ControlDomainUUID string
}

// CompleteUpgradeParams are the inputs of CompleteUpgrade.
type CompleteUpgradeParams struct {
	Mounts       Mounts
	Previous     *ExistingInstallation
	Disk         string
	BackupNumber int

	// TargetDiskID is the stable link of Disk, looked up when empty.
	TargetDiskID string
}

// Upgrader migrates one kind of installation.
type Upgrader interface {
	// DoBackup snapshots the installation into the backup partition.
	DoBackup(ctx context.Context, params BackupParams, progress ProgressFunc) error
	// PrepareTarget changes the partition layout before the install.
	PrepareTarget(ctx context.Context, params PrepareTargetParams, progress ProgressFunc) (PrepareTargetResult, error)
	// PrepareUpgrade collects the state the install needs from the installation.
	PrepareUpgrade(ctx context.Context, params PrepareUpgradeParams) (PrepareUpgradeResult, error)
	// CompleteUpgrade carries the preserved state into the new installation.
	CompleteUpgrade(ctx context.Context, params CompleteUpgradeParams) error
	// RestoreList is the ordered list of paths carried into the new installation.
	RestoreList() *restore.List
}

// TargetPlan is the partition table an upgrade would leave on the disk.
type TargetPlan struct {
	// GrowsBackup is set when the backup grows the backup partition over the storage partition.
	GrowsBackup bool
	Decision    layout.Decision

	// Table holds the staged, uncommitted changes.
	Table *partition.Table
}

// Planner is implemented by upgraders able to preview their partition changes.
type Planner interface {
	PlanTarget(ctx context.Context, backupParams BackupParams, params PrepareTargetParams) (TargetPlan, error)
}

// Env are the collaborators of upgraders.
type Env struct {
	Runner  runner.Runner
	Mounter mount.Mounter
	Prober  netrename.Prober
	Logger  *zap.Logger

	Sizes layout.Sizes
	// BackupSize is the size of the grown backup partition, in bytes.
	BackupSize uint64

	// DiskByIDDir holds the stable disk links.
	DiskByIDDir string

	// WaitDevice blocks until a device node exists.
	WaitDevice func(ctx context.Context, path string) error
}

// NewEnv returns an Env for the running host.
func NewEnv(r runner.Runner, logger *zap.Logger) Env {
	return Env{
		Runner:      r,
		Mounter:     mount.NewTempMounter(logger),
		Prober:      &netrename.NetlinkProber{},
		Logger:      logger,
		Sizes:       layout.DefaultSizes(),
		BackupSize:  constants.BackupSizeMiB * constants.MiB,
		DiskByIDDir: constants.DiskByIDDir,
	}
}

func (p ProgressFunc) report(percent int) {
	if p != nil {
		p(percent)
	}
}

// stageTimer logs the duration of a stage.
func stageTimer(logger *zap.Logger, name string) func() {
	start := time.Now()

	return func() {
		logger.Info("stage finished", zap.String("stage", name), zap.Duration("elapsed", time.Since(start)))
	}
}
