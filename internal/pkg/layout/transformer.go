// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package layout

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hostinstaller/hostupgrade/internal/pkg/lvm"
	"github.com/hostinstaller/hostupgrade/internal/pkg/partition"
	"github.com/hostinstaller/hostupgrade/internal/pkg/runner"
	"github.com/hostinstaller/hostupgrade/pkg/constants"
	"github.com/hostinstaller/hostupgrade/pkg/makefs"
)

// Request describes the transform of one disk.
type Request struct {
	Disk      string
	TableKind partition.Kind
	Plan      Plan

	// NewLayout is the current belief of the caller, returned unchanged when the table is left alone.
	NewLayout bool

	// VolumeGroup is the storage volume group to recreate after a full rewrite.
	VolumeGroup string
	// StorageType is the local storage backend of the installation.
	StorageType string
}

// Transformer applies layout transforms to disks.
type Transformer struct {
	Runner runner.Runner
	Tool   *partition.Tool
	LVM    *lvm.Manager
	Logger *zap.Logger
}

// NewTransformer builds a Transformer running commands through r.
func NewTransformer(r runner.Runner, logger *zap.Logger) *Transformer {
	return &Transformer{
		Runner: r,
		Tool:   partition.NewTool(r, logger),
		LVM:    lvm.NewManager(r, logger),
		Logger: logger,
	}
}

// Transform changes the layout of the disk and reports whether it holds the new layout.
func (t *Transformer) Transform(ctx context.Context, req Request) (bool, error) {
	if req.TableKind != partition.KindGPT {
		t.Logger.Info("leaving partition table unchanged", zap.String("kind", string(req.TableKind)))

		return req.NewLayout, nil
	}

	table, err := t.Tool.Read(ctx, req.Disk)
	if err != nil {
		return false, err
	}

	decision, err := t.stage(table, req)
	if err != nil {
		return false, err
	}

	if decision.Change == NoChange {
		return decision.NewLayout, nil
	}

	if err = t.Tool.Commit(ctx, table); err != nil {
		return false, err
	}

	if decision.Change == FullRewrite && req.Plan.Numbering.Storage > 0 {
		if err = t.recreateStorage(ctx, req); err != nil {
			return false, err
		}
	}

	return decision.NewLayout, nil
}

// Preview stages the transform of table without committing it.
func (t *Transformer) Preview(table *partition.Table, req Request) (Decision, error) {
	if req.TableKind != partition.KindGPT {
		return Decision{Change: NoChange, NewLayout: req.NewLayout}, nil
	}

	return t.stage(table, req)
}

func (t *Transformer) stage(table *partition.Table, req Request) (Decision, error) {
	decision, err := Stage(table, req.Plan)
	if err != nil {
		return decision, err
	}

	if decision.Change == NoChange {
		decision.NewLayout = decision.NewLayout || req.NewLayout
	}

	t.Logger.Info("partition layout", zap.String("disk", req.Disk), zap.Stringer("change", decision.Change))

	return decision, nil
}

// recreateStorage recreates the storage volume group on the new storage partition.
func (t *Transformer) recreateStorage(ctx context.Context, req Request) error {
	device := partition.DevName(req.Disk, req.Plan.Numbering.Storage)

	pv, found, err := t.LVM.FindOnDisk(ctx, req.Disk)
	if err != nil {
		return err
	}

	if found && pv.VolumeGroup != "" {
		if err = t.LVM.RemoveVolumeGroup(ctx, pv.VolumeGroup); err != nil {
			return err
		}
	}

	if req.VolumeGroup == "" {
		t.Logger.Warn("no storage volume group to recreate", zap.String("device", device))

		return nil
	}

	if err = t.LVM.CreateVolumeGroup(ctx, req.VolumeGroup, device); err != nil {
		return err
	}

	if req.StorageType != constants.StorageTypeExt {
		return nil
	}

	id, ok := lvm.RepositoryUUID(req.VolumeGroup)
	if !ok {
		return fmt.Errorf("cannot find repository uuid in volume group %q", req.VolumeGroup)
	}

	lv, err := t.LVM.CreateLogicalVolume(ctx, req.VolumeGroup, id)
	if err != nil {
		return err
	}

	if err = makefs.Ext3(ctx, t.Runner, lv, makefs.WithForce(true)); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	return nil
}
