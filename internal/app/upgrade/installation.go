// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package upgrade

import (
	"github.com/blang/semver/v4"

	"github.com/hostinstaller/hostupgrade/internal/pkg/inventory"
	"github.com/hostinstaller/hostupgrade/internal/pkg/layout"
	"github.com/hostinstaller/hostupgrade/internal/pkg/partition"
)

// ExistingInstallation is an installation found on the host.
type ExistingInstallation struct {
	Name       string
	Version    semver.Version
	Variant    string
	RootDevice string
	Inventory  inventory.Inventory

	// Upgradeable is set by detection when the installation is intact enough to upgrade.
	Upgradeable bool
}

// String implements fmt.Stringer.
func (i *ExistingInstallation) String() string {
	return i.Name + " " + i.Version.String() + " (" + i.Variant + ")"
}

// Mounts are the filesystems of the freshly installed system.
type Mounts struct {
	Root string `yaml:"root"`
}

// Answers are the choices of an upgrade attempt, shared by its stages.
type Answers struct {
	PrimaryDisk        string           `yaml:"primaryDisk"`
	TargetBootMode     layout.BootMode  `yaml:"targetBootMode"`
	Partitions         layout.Numbering `yaml:"partitions"`
	PartitionTableType partition.Kind   `yaml:"partitionTableType"`
	NewPartitionLayout bool             `yaml:"newPartitionLayout"`

	// TargetDiskID is the stable link of the primary disk, looked up when empty.
	TargetDiskID string `yaml:"targetDiskID"`

	InstallationUUID  string `yaml:"installationUUID"`
	ControlDomainUUID string `yaml:"controlDomainUUID"`

	// Mounts is filled in by the install step.
	Mounts Mounts `yaml:"-"`
}

// NewDefaultAnswers returns Answers for disk with the current partition numbering.
func NewDefaultAnswers(disk string) *Answers {
	return &Answers{
		PrimaryDisk:        disk,
		TargetBootMode:     layout.BootModeBIOS,
		Partitions:         layout.DefaultNumbering(),
		PartitionTableType: partition.KindGPT,
	}
}
