// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package lvm manages the volume group of the local storage repository.
package lvm

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hostinstaller/hostupgrade/internal/pkg/partition"
	"github.com/hostinstaller/hostupgrade/internal/pkg/runner"
)

// Manager runs the lvm tools.
type Manager struct {
	Runner runner.Runner
	Logger *zap.Logger
}

// NewManager returns a Manager running commands through r.
func NewManager(r runner.Runner, logger *zap.Logger) *Manager {
	return &Manager{
		Runner: r,
		Logger: logger,
	}
}

// PhysicalVolume is a physical volume and the volume group it belongs to.
type PhysicalVolume struct {
	Name        string
	VolumeGroup string
}

// FindOnDisk returns the first physical volume on disk or one of its partitions, if any.
func (m *Manager) FindOnDisk(ctx context.Context, disk string) (PhysicalVolume, bool, error) {
	out, err := m.Runner.Run(ctx, "lvm", "pvs", "-o", "pv_name,vg_name", "--noheadings")
	if err != nil {
		return PhysicalVolume{}, false, fmt.Errorf("failed to list physical volumes: %w", err)
	}

	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || !onDisk(fields[0], disk) {
			continue
		}

		pv := PhysicalVolume{Name: fields[0]}

		if len(fields) > 1 {
			pv.VolumeGroup = fields[1]
		}

		return pv, true, nil
	}

	return PhysicalVolume{}, false, nil
}

// onDisk reports whether pv is disk itself or one of its partitions.
func onDisk(pv, disk string) bool {
	if pv == disk {
		return true
	}

	digits := strings.TrimRightFunc(pv, func(r rune) bool { return r >= '0' && r <= '9' })

	n, err := strconv.Atoi(pv[len(digits):])
	if err != nil {
		return false
	}

	return partition.DevName(disk, n) == pv
}

// RemoveVolumeGroup removes a volume group and all its logical volumes.
func (m *Manager) RemoveVolumeGroup(ctx context.Context, vg string) error {
	m.Logger.Info("removing volume group", zap.String("vg", vg))

	if _, err := m.Runner.Run(ctx, "lvm", "vgremove", "-f", vg); err != nil {
		return fmt.Errorf("failed to remove volume group %s: %w", vg, err)
	}

	return nil
}

// RemovePhysicalVolume wipes the physical volume label of device.
func (m *Manager) RemovePhysicalVolume(ctx context.Context, device string) error {
	m.Logger.Info("removing physical volume", zap.String("device", device))

	if _, err := m.Runner.Run(ctx, "lvm", "pvremove", device); err != nil {
		return fmt.Errorf("failed to remove physical volume %s: %w", device, err)
	}

	return nil
}

// CreateVolumeGroup creates vg on device.
func (m *Manager) CreateVolumeGroup(ctx context.Context, vg, device string) error {
	m.Logger.Info("creating volume group", zap.String("vg", vg), zap.String("device", device))

	if _, err := m.Runner.Run(ctx, "lvm", "vgcreate", vg, device); err != nil {
		return fmt.Errorf("failed to create volume group %s on %s: %w", vg, device, err)
	}

	return nil
}

// CreateLogicalVolume creates a logical volume spanning all of vg and returns its device path.
func (m *Manager) CreateLogicalVolume(ctx context.Context, vg, name string) (string, error) {
	m.Logger.Info("creating logical volume", zap.String("vg", vg), zap.String("lv", name))

	if _, err := m.Runner.Run(ctx, "lvm", "lvcreate", "-n", name, "-l", "100%VG", vg); err != nil {
		return "", fmt.Errorf("failed to create logical volume %s in %s: %w", name, vg, err)
	}

	return "/dev/" + vg + "/" + name, nil
}

// RepositoryUUID returns the storage repository UUID encoded in a volume group name.
//
// Volume groups of local repositories are named <prefix>-<uuid>.
func RepositoryUUID(vg string) (string, bool) {
	_, id, ok := strings.Cut(vg, "-")

	return id, ok && id != ""
}
