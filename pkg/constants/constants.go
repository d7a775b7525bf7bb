// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package constants defines the platform layout and well-known paths.
package constants

const (
	// ProductName is the product identifier recorded by installations of this platform.
	ProductName = "xenenterprise"

	// ProductVariantRetail is the retail variant of the product.
	ProductVariantRetail = "Retail"

	// PlatformVersion is the version of the platform being installed.
	PlatformVersion = "7.0.0"

	// MinUpgradeableVersion is the oldest platform version that can be upgraded in place.
	MinUpgradeableVersion = "6.0.0"
)

// Partition sizes, in MiB.
const (
	RootSizeMiB   = 18 * 1024
	BootSizeMiB   = 512
	SwapSizeMiB   = 1024
	LogsSizeMiB   = 4 * 1024
	BackupSizeMiB = 18 * 1024

	// MiB is a mebibyte.
	MiB = 1 << 20
)

// Default partition numbers of the target layout.
const (
	PrimaryPartitionNumber = 1
	BackupPartitionNumber  = 2
	StoragePartitionNumber = 3
	BootPartitionNumber    = 4
	LogsPartitionNumber    = 5
	SwapPartitionNumber    = 6

	// TemporaryPrimaryNumber holds the old root partition while the new layout is staged.
	TemporaryPrimaryNumber = 10
	// TemporaryBootNumber holds the old boot partition while the new layout is staged.
	TemporaryBootNumber = 11
)

// Paths relative to the root of an installation.
const (
	// InventoryPath is the key=value inventory of an installation.
	InventoryPath = "etc/xensource-inventory"

	// PreviousInventoryPath receives a copy of the old inventory on upgrade.
	PreviousInventoryPath = "var/tmp/.previousInventory"

	// PreviousVersionPath records the platform version the host was upgraded from.
	PreviousVersionPath = "var/tmp/.previousVersion"

	// SafeToUpgradePath marks an installation as safe for the full layout rewrite.
	SafeToUpgradePath = "var/preserve/safe2upgrade"

	// FirstbootDataDir holds the data consumed by the firstboot scripts.
	FirstbootDataDir = "etc/firstboot.d/data"

	// DefaultStorageConfPath describes the local storage repository.
	DefaultStorageConfPath = FirstbootDataDir + "/default-storage.conf"

	// HostConfPath tells firstboot what kind of installation happened.
	HostConfPath = FirstbootDataDir + "/host.conf"

	// RollingPoolDir holds the bootloader fragments left by a rolling pool upgrade.
	RollingPoolDir = "boot/installer"

	// DBCachePath is the network database cache.
	DBCachePath = "var/lib/xcp/network.dbcache"
	// OldDBCachePath is the network database cache of older releases.
	OldDBCachePath = "var/xapi/network.dbcache"

	// XAPIDBPath is the toolstack state database.
	XAPIDBPath = "var/lib/xcp/state.db"
	// OldXAPIDBPath is the toolstack state database of older releases.
	OldXAPIDBPath = "var/xapi/state.db"

	// NetworkDBPath is the network daemon database.
	NetworkDBPath = "var/lib/xcp/networkd.db"
	// OldNetworkDBPath is the network daemon database of older releases.
	OldNetworkDBPath = "var/xapi/networkd.db"

	// NetworkConfigPath is the global network configuration.
	NetworkConfigPath = "etc/sysconfig/network"

	// DisableIPv6ConfPath is the modprobe configuration that disables IPv6.
	DisableIPv6ConfPath = "etc/modprobe.d/disable-ipv6.conf"

	// InterfaceRenameDataDir holds the interface naming rules.
	InterfaceRenameDataDir = "etc/sysconfig/network-scripts/interface-rename-data"
	// InterfaceRenameSeedDir holds the copy of the naming rules made at install time.
	InterfaceRenameSeedDir = InterfaceRenameDataDir + "/.from_install"

	// StaticRulesFile is the name of the static naming rules file.
	StaticRulesFile = "static-rules.conf"
	// DynamicRulesFile is the name of the dynamic naming rules file.
	DynamicRulesFile = "dynamic-rules.json"
)

// Files written into the backup partition.
const (
	// GPTBackupFile is the raw partition table snapshot.
	GPTBackupFile = ".xen-gpt.bin"

	// BackupSentinelFile marks a partition holding a completed backup.
	BackupSentinelFile = ".xen-backup-partition"
)

// Inventory keys.
const (
	InventoryInstallationUUID  = "INSTALLATION_UUID"
	InventoryControlDomainUUID = "CONTROL_DOMAIN_UUID"
	InventoryPrimaryDisk       = "PRIMARY_DISK"
	InventoryProductName       = "PRODUCT_NAME"
	InventoryProductBrand      = "PRODUCT_BRAND"
	InventoryPlatformVersion   = "PLATFORM_VERSION"
)

// StorageTypeExt is the local storage backend formatted as a file based repository.
const StorageTypeExt = "ext"

// DiskByIDDir is the directory of stable disk links.
const DiskByIDDir = "/dev/disk/by-id"
