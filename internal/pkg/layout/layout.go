// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package layout transforms the partition layout of an installation disk for the new platform.
package layout

import (
	"fmt"

	"github.com/hostinstaller/hostupgrade/internal/pkg/partition"
	"github.com/hostinstaller/hostupgrade/pkg/constants"
)

// BootMode is the firmware interface the host boots with.
type BootMode string

// Boot modes.
const (
	BootModeBIOS BootMode = "bios"
	BootModeUEFI BootMode = "uefi"
)

// Numbering assigns partition numbers to the roles of the layout.
type Numbering struct {
	Primary int `yaml:"primary"`
	Backup  int `yaml:"backup"`
	Storage int `yaml:"storage"`
	Boot    int `yaml:"boot"`
	Logs    int `yaml:"logs"`
	Swap    int `yaml:"swap"`
}

// DefaultNumbering returns the numbering of the current layout.
func DefaultNumbering() Numbering {
	return Numbering{
		Primary: constants.PrimaryPartitionNumber,
		Backup:  constants.BackupPartitionNumber,
		Storage: constants.StoragePartitionNumber,
		Boot:    constants.BootPartitionNumber,
		Logs:    constants.LogsPartitionNumber,
		Swap:    constants.SwapPartitionNumber,
	}
}

// Sizes of the partitions created by the transform, in bytes.
type Sizes struct {
	Root uint64
	Boot uint64
	Swap uint64
	Logs uint64
}

// DefaultSizes returns the sizes of the current layout.
func DefaultSizes() Sizes {
	return Sizes{
		Root: constants.RootSizeMiB * constants.MiB,
		Boot: constants.BootSizeMiB * constants.MiB,
		Swap: constants.SwapSizeMiB * constants.MiB,
		Logs: constants.LogsSizeMiB * constants.MiB,
	}
}

// Change is the kind of change applied to a table.
type Change int

// Changes.
const (
	// NoChange leaves the table as it is.
	NoChange Change = iota
	// FullRewrite rebuilds the layout, reusing the old root space for logs.
	FullRewrite
	// MinimalChange carves a boot partition out of the start of the root partition.
	MinimalChange
)

func (c Change) String() string {
	switch c {
	case NoChange:
		return "none"
	case FullRewrite:
		return "full rewrite"
	case MinimalChange:
		return "minimal change"
	default:
		return fmt.Sprintf("Change(%d)", int(c))
	}
}

// Plan describes the layout wanted for a table.
type Plan struct {
	Numbering Numbering
	BootMode  BootMode
	Sizes     Sizes

	// SafeToUpgrade reports that the installation allows the full rewrite.
	SafeToUpgrade bool
}

// Decision is the outcome of Stage.
type Decision struct {
	Change Change

	// NewLayout reports whether the table holds the layout with a logs partition.
	NewLayout bool
}

func (p Plan) bootType() string {
	if p.BootMode == BootModeUEFI {
		return partition.TypeEFI
	}

	return partition.TypeBIOSBoot
}

// Stage decides how table must change and stages the mutations on it.
//
// Nothing is written; a table with Change other than NoChange must be committed.
func Stage(table *partition.Table, plan Plan) (Decision, error) {
	if table.Kind != partition.KindGPT {
		return Decision{Change: NoChange}, nil
	}

	n := plan.Numbering
	hasLogs := table.Has(n.Logs)

	if plan.SafeToUpgrade && !hasLogs {
		if err := stageFullRewrite(table, plan); err != nil {
			return Decision{}, fmt.Errorf("full rewrite: %w", err)
		}

		return Decision{Change: FullRewrite, NewLayout: true}, nil
	}

	if table.Has(n.Boot) {
		return Decision{Change: NoChange, NewLayout: hasLogs}, nil
	}

	if err := stageMinimalChange(table, plan); err != nil {
		return Decision{}, fmt.Errorf("minimal change: %w", err)
	}

	return Decision{Change: MinimalChange}, nil
}

func stageFullRewrite(table *partition.Table, plan Plan) error {
	n := plan.Numbering

	if err := table.Rename(n.Primary, constants.TemporaryPrimaryNumber, false); err != nil {
		return err
	}

	hadBoot := table.Has(n.Boot)

	if hadBoot {
		if err := table.Rename(n.Boot, constants.TemporaryBootNumber, false); err != nil {
			return err
		}
	}

	creates := []partition.CreateOptions{
		{Number: n.Primary, Type: partition.TypeLinux, SizeBytes: plan.Sizes.Root},
		{Number: n.Boot, Type: plan.bootType(), SizeBytes: plan.Sizes.Boot},
		{Number: n.Swap, Type: partition.TypeSwap, SizeBytes: plan.Sizes.Swap},
	}

	if n.Storage > 0 {
		creates = append(creates, partition.CreateOptions{Number: n.Storage, Type: partition.TypeLVM})
	}

	for _, opts := range creates {
		if _, err := table.Create(opts); err != nil {
			return err
		}
	}

	if err := table.Delete(constants.TemporaryPrimaryNumber); err != nil {
		return err
	}

	if hadBoot {
		if err := table.Delete(constants.TemporaryBootNumber); err != nil {
			return err
		}
	}

	_, err := table.Create(partition.CreateOptions{
		Number:     n.Logs,
		Type:       partition.TypeLinux,
		SizeBytes:  plan.Sizes.Logs,
		StartBytes: partition.DefaultAlignment,
	})

	return err
}

func stageMinimalChange(table *partition.Table, plan Plan) error {
	n := plan.Numbering

	primary, ok := table.Get(n.Primary)
	if !ok {
		return fmt.Errorf("primary partition %d: %w", n.Primary, partition.ErrNotFound)
	}

	primaryBytes := table.Bytes(primary.Size)
	if primaryBytes <= plan.Sizes.Boot {
		return fmt.Errorf("primary partition of %d bytes cannot hold a boot partition of %d bytes", primaryBytes, plan.Sizes.Boot)
	}

	if err := table.Delete(n.Primary); err != nil {
		return err
	}

	boot, err := table.Create(partition.CreateOptions{
		Number:     n.Boot,
		Type:       plan.bootType(),
		SizeBytes:  plan.Sizes.Boot,
		StartBytes: table.Bytes(primary.Start),
	})
	if err != nil {
		return err
	}

	_, err = table.Create(partition.CreateOptions{
		Number:     n.Primary,
		Type:       primary.Type,
		Name:       primary.Name,
		SizeBytes:  primaryBytes - plan.Sizes.Boot,
		StartBytes: table.Bytes(boot.End()),
	})

	return err
}
