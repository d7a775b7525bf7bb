// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package backup snapshots an installation into its backup partition.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/siderolabs/go-copy/copy"
	"github.com/siderolabs/go-retry/retry"
	"go.uber.org/zap"

	"github.com/hostinstaller/hostupgrade/internal/pkg/lvm"
	"github.com/hostinstaller/hostupgrade/internal/pkg/mount"
	"github.com/hostinstaller/hostupgrade/internal/pkg/partition"
	"github.com/hostinstaller/hostupgrade/internal/pkg/runner"
	"github.com/hostinstaller/hostupgrade/pkg/constants"
	"github.com/hostinstaller/hostupgrade/pkg/makefs"
)

// emptyDirs are recreated empty instead of being copied.
var emptyDirs = []string{"dev", "proc", "lost+found", "sys"}

// bootloaderFragments maps the files left by a rolling pool upgrade to the configs they replace.
var bootloaderFragments = []struct {
	name string
	dest string
}{
	{"efi-grub.cfg", "boot/efi/EFI/xenserver/grub.cfg"},
	{"grub.cfg", "boot/grub/grub.cfg"},
	{"menu.lst", "boot/grub/menu.lst"},
	{"extlinux.conf", "boot/extlinux.conf"},
}

// ProgressFunc receives progress as a percentage.
type ProgressFunc func(percent int)

// Options describes the backup of one installation.
type Options struct {
	Disk       string
	RootDevice string
	TableKind  partition.Kind

	BackupNumber  int
	BootNumber    int
	StorageNumber int
	LogsNumber    int

	// SafeToUpgrade allows the backup partition to grow over the storage partition.
	SafeToUpgrade bool

	// BackupSize is the size of the grown backup partition, in bytes.
	BackupSize uint64
}

// Result is the outcome of a backup.
type Result struct {
	// VolumeGroup is the storage volume group dropped to grow the backup partition.
	VolumeGroup string
}

// Engine runs backups.
type Engine struct {
	Runner  runner.Runner
	Mounter mount.Mounter
	Tool    *partition.Tool
	LVM     *lvm.Manager
	Logger  *zap.Logger

	// WaitDevice blocks until a device node exists.
	WaitDevice func(ctx context.Context, path string) error
}

// NewEngine builds an Engine from its collaborators.
func NewEngine(r runner.Runner, mounter mount.Mounter, logger *zap.Logger) *Engine {
	return &Engine{
		Runner:     r,
		Mounter:    mounter,
		Tool:       partition.NewTool(r, logger),
		LVM:        lvm.NewManager(r, logger),
		Logger:     logger,
		WaitDevice: WaitDevice,
	}
}

// WaitDevice waits for the node of a freshly committed partition to appear.
func WaitDevice(ctx context.Context, path string) error {
	return retry.Constant(30*time.Second, retry.WithUnits(100*time.Millisecond)).RetryWithContext(ctx, func(context.Context) error {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return retry.ExpectedError(err)
			}

			return retry.UnexpectedError(err)
		}

		return nil
	})
}

// Run snapshots the root filesystem of the installation into the backup partition.
func (e *Engine) Run(ctx context.Context, opts Options, progress ProgressFunc) (result Result, err error) {
	if progress == nil {
		progress = func(int) {}
	}

	table, err := e.Tool.Read(ctx, opts.Disk)
	if err != nil {
		return result, err
	}

	var bootDevice string

	// Only an EFI system partition carries a filesystem, BIOS boot partitions are raw.
	if boot, ok := table.Get(opts.BootNumber); ok && boot.Type == partition.TypeEFI {
		bootDevice = partition.DevName(opts.Disk, opts.BootNumber)
	}

	if Grows(table, opts) {
		if result.VolumeGroup, err = e.growBackup(ctx, table, opts); err != nil {
			return result, err
		}
	}

	backupDevice := partition.DevName(opts.Disk, opts.BackupNumber)

	if e.WaitDevice != nil {
		if err = e.WaitDevice(ctx, backupDevice); err != nil {
			return result, fmt.Errorf("backup partition %s did not appear: %w", backupDevice, err)
		}
	}

	if err = makefs.Ext3(ctx, e.Runner, backupDevice); err != nil {
		return result, fmt.Errorf("backup: %w", err)
	}

	progress(10)

	rootOpts := []mount.Option{mount.WithReadOnly(true), mount.WithPrefix("primary-")}
	if bootDevice != "" {
		rootOpts = append(rootOpts, mount.WithBootDevice(bootDevice))
	}

	root, err := e.Mounter.Mount(ctx, opts.RootDevice, rootOpts...)
	if err != nil {
		return result, fmt.Errorf("error mounting root filesystem: %w", err)
	}

	defer func() {
		if unmountErr := root.Unmount(); unmountErr != nil {
			err = multierror.Append(err, unmountErr)
		}
	}()

	dest, err := e.Mounter.Mount(ctx, backupDevice, mount.WithPrefix("backup-"))
	if err != nil {
		return result, fmt.Errorf("error mounting backup partition: %w", err)
	}

	defer func() {
		if unmountErr := dest.Unmount(); unmountErr != nil {
			err = multierror.Append(err, unmountErr)
		}
	}()

	if err = e.copyRoot(ctx, root, dest, progress); err != nil {
		return result, err
	}

	if opts.TableKind == partition.KindGPT {
		if err = e.Tool.SaveBackup(ctx, opts.Disk, dest.Join(constants.GPTBackupFile)); err != nil {
			return result, err
		}
	}

	if err = e.replaceBootloaderConfig(dest); err != nil {
		return result, err
	}

	if err = os.WriteFile(dest.Join(constants.BackupSentinelFile), nil, 0o644); err != nil {
		return result, fmt.Errorf("error marking backup complete: %w", err)
	}

	progress(100)

	e.Logger.Info("backup complete", zap.String("device", backupDevice))

	return result, nil
}

// growBackup drops the storage partition and grows the backup partition in its place.
func (e *Engine) growBackup(ctx context.Context, table *partition.Table, opts Options) (string, error) {
	var vg string

	if opts.StorageNumber > 0 {
		pv, found, err := e.LVM.FindOnDisk(ctx, opts.Disk)
		if err != nil {
			return "", err
		}

		if found && pv.VolumeGroup != "" {
			vg = pv.VolumeGroup

			if err = e.LVM.RemoveVolumeGroup(ctx, vg); err != nil {
				return "", err
			}

			if err = e.LVM.RemovePhysicalVolume(ctx, partition.DevName(opts.Disk, opts.StorageNumber)); err != nil {
				return "", err
			}
		}
	}

	if err := StageGrow(table, opts); err != nil {
		return "", err
	}

	if err := e.Tool.Commit(ctx, table); err != nil {
		return "", err
	}

	return vg, nil
}

// Grows reports whether the backup described by opts grows the backup partition of table.
func Grows(table *partition.Table, opts Options) bool {
	return opts.TableKind == partition.KindGPT && opts.SafeToUpgrade && !table.Has(opts.LogsNumber)
}

// StageGrow stages the removal of the storage partition and the growth of the backup partition.
func StageGrow(table *partition.Table, opts Options) error {
	if opts.StorageNumber > 0 && table.Has(opts.StorageNumber) {
		if err := table.Delete(opts.StorageNumber); err != nil {
			return err
		}
	}

	if err := table.Resize(opts.BackupNumber, opts.BackupSize); err != nil {
		return fmt.Errorf("error growing backup partition: %w", err)
	}

	return nil
}

func (e *Engine) copyRoot(ctx context.Context, root, dest *mount.Point, progress ProgressFunc) error {
	e.Logger.Info("copying root filesystem", zap.String("source", root.Source()), zap.String("destination", dest.Source()))

	entries, err := os.ReadDir(root.Target())
	if err != nil {
		return fmt.Errorf("error listing root filesystem: %w", err)
	}

	for i, entry := range entries {
		name := entry.Name()

		if slices.Contains(emptyDirs, name) {
			if err = os.Mkdir(dest.Join(name), 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("error creating /%s in backup: %w", name, err)
			}
		} else if _, err = e.Runner.Run(ctx, "cp", "-a", root.Join(name), dest.Target()+"/"); err != nil {
			return fmt.Errorf("backup of /%s failed: %w", name, err)
		}

		progress(10 + 90*(i+1)/len(entries))
	}

	return nil
}

func (e *Engine) replaceBootloaderConfig(dest *mount.Point) error {
	for _, f := range bootloaderFragments {
		src := dest.Join(constants.RollingPoolDir, f.name)

		if _, err := os.Stat(src); err != nil {
			continue
		}

		dst := dest.Join(f.dest)

		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}

		e.Logger.Info("replacing bootloader config", zap.String("source", f.name), zap.String("destination", "/"+f.dest))

		if err := copy.File(src, dst); err != nil {
			return fmt.Errorf("error replacing /%s: %w", f.dest, err)
		}
	}

	return nil
}
