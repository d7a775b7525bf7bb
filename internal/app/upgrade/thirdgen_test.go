// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package upgrade_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/blang/semver/v4"
	"github.com/siderolabs/go-copy/copy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/hostinstaller/hostupgrade/internal/app/upgrade"
	"github.com/hostinstaller/hostupgrade/internal/pkg/inventory"
	"github.com/hostinstaller/hostupgrade/internal/pkg/layout"
	"github.com/hostinstaller/hostupgrade/internal/pkg/mount/mounttest"
	"github.com/hostinstaller/hostupgrade/internal/pkg/netrename"
	"github.com/hostinstaller/hostupgrade/internal/pkg/partition"
	"github.com/hostinstaller/hostupgrade/internal/pkg/restore"
	"github.com/hostinstaller/hostupgrade/internal/pkg/runner"
	"github.com/hostinstaller/hostupgrade/pkg/constants"
)

const (
	installationUUID  = "3f8e2c1a-6b4d-4e9f-a1c7-5d2b8e0f4a6c"
	controlDomainUUID = "b7d4e1f0-2a3c-4b5d-9e8f-1c0a6d7b3e2f"

	oldDiskID = "/dev/disk/by-id/scsi-SATA_ST1000DM003_Z1D5K2"
	newDiskID = "/dev/disk/by-id/ata-ST1000DM003_Z1D5K2"
)

func installation(values map[string]string) *upgrade.ExistingInstallation {
	if values == nil {
		values = map[string]string{
			constants.InventoryInstallationUUID:  installationUUID,
			constants.InventoryControlDomainUUID: controlDomainUUID,
			constants.InventoryPrimaryDisk:       oldDiskID,
		}
	}

	return &upgrade.ExistingInstallation{
		Name:        constants.ProductName,
		Version:     semver.MustParse("6.5.0"),
		Variant:     constants.ProductVariantRetail,
		RootDevice:  "/dev/sda1",
		Inventory:   inventory.New(values),
		Upgradeable: true,
	}
}

// copier performs the cp invocations of the restore engine in-process.
func copier(c runner.Call) (string, error) {
	if c.Name != "cp" || len(c.Args) != 3 {
		return "", nil
	}

	if c.Args[0] == "-rpT" {
		return "", copy.Dir(c.Args[1], c.Args[2])
	}

	return "", copy.File(c.Args[1], c.Args[2])
}

func write(t *testing.T, root, rel, contents string) {
	t.Helper()

	path := filepath.Join(root, rel)

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func read(t *testing.T, root, rel string) string {
	t.Helper()

	b, err := os.ReadFile(filepath.Join(root, rel))
	require.NoError(t, err)

	return string(b)
}

func TestInspect(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		files map[string]string
		safe  bool
	}{
		"bare": {},
		"safe ext": {
			files: map[string]string{
				constants.SafeToUpgradePath:      "",
				constants.DefaultStorageConfPath: "TYPE='ext'\nPARTITIONS='/dev/sda3'\n",
			},
			safe: true,
		},
		"lvm": {
			files: map[string]string{
				constants.DefaultStorageConfPath: "TYPE='lvm'\n",
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			root := t.TempDir()

			for rel, contents := range test.files {
				write(t, root, rel, contents)
			}

			mounter := &mounttest.Dirs{Devices: map[string]string{"/dev/sda1": root}}

			// the layout transform reveals what was detected
			r := &runner.Recorder{Handler: func(c runner.Call) (string, error) {
				if c.Name == "sfdisk" {
					return backedUpDump, nil
				}

				return "", nil
			}}

			u, err := upgrade.NewThirdGen(context.Background(), testEnv(t, r, mounter), installation(nil))
			require.NoError(t, err)

			assert.Zero(t, mounter.Active())
			require.Len(t, mounter.Requests(), 1)
			assert.True(t, mounter.Requests()[0].Options.ReadOnly)

			result, err := u.PrepareTarget(context.Background(), prepareTargetParams(), nil)
			require.NoError(t, err)

			assert.Equal(t, test.safe, result.NewLayout)
			assert.Equal(t, test.safe, len(r.Find("sgdisk", "--new=5:")) == 1)
			assert.Len(t, r.Find("sgdisk"), 1)
			assert.Empty(t, r.Find("mkfs.ext3"), "no volume group was recorded by a backup")
		})
	}
}

// freshDump is the sfdisk dump of a disk with its original storage partition.
const freshDump = `{
   "partitiontable": {
      "label": "gpt",
      "device": "/dev/sda",
      "firstlba": 34,
      "lastlba": 209715166,
      "sectorsize": 512,
      "partitions": [
         {"node": "/dev/sda1", "start": 2048, "size": 8388608, "type": "0FC63DAF-8483-4772-8E79-3D69D8477DE4"},
         {"node": "/dev/sda2", "start": 8390656, "size": 8388608, "type": "0FC63DAF-8483-4772-8E79-3D69D8477DE4"},
         {"node": "/dev/sda3", "start": 16779264, "size": 192935903, "type": "E6D6D379-F507-44C2-A23C-238F2A3DF928"}
      ]
   }
}`

func TestPlanTarget(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	write(t, root, constants.SafeToUpgradePath, "")

	mounter := &mounttest.Dirs{Devices: map[string]string{"/dev/sda1": root}}
	r := &runner.Recorder{Handler: func(c runner.Call) (string, error) {
		if c.Name == "sfdisk" {
			return freshDump, nil
		}

		return "", nil
	}}

	u, err := upgrade.NewThirdGen(context.Background(), testEnv(t, r, mounter), installation(nil))
	require.NoError(t, err)

	planner, ok := u.(upgrade.Planner)
	require.True(t, ok)

	plan, err := planner.PlanTarget(context.Background(), upgrade.BackupParams{
		Disk:          "/dev/sda",
		TableKind:     partition.KindGPT,
		BackupNumber:  constants.BackupPartitionNumber,
		BootNumber:    constants.BootPartitionNumber,
		StorageNumber: constants.StoragePartitionNumber,
		LogsNumber:    constants.LogsPartitionNumber,
	}, prepareTargetParams())
	require.NoError(t, err)

	assert.True(t, plan.GrowsBackup)
	assert.Equal(t, layout.FullRewrite, plan.Decision.Change)
	assert.True(t, plan.Decision.NewLayout)
	assert.True(t, plan.Table.Dirty())
	assert.Len(t, plan.Table.Partitions(), 6)

	assert.Equal(t, []string{"sfdisk --json /dev/sda"}, r.Lines())
}

func TestPrepareUpgrade(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		values map[string]string
		err    bool
	}{
		"present": {},
		"no installation uuid": {
			values: map[string]string{constants.InventoryControlDomainUUID: controlDomainUUID},
			err:    true,
		},
		"no control domain uuid": {
			values: map[string]string{constants.InventoryInstallationUUID: installationUUID},
			err:    true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			mounter := &mounttest.Dirs{Devices: map[string]string{"/dev/sda1": t.TempDir()}}

			u, err := upgrade.NewThirdGen(context.Background(), testEnv(t, &runner.Recorder{}, mounter), installation(test.values))
			require.NoError(t, err)

			result, err := u.PrepareUpgrade(context.Background(), upgrade.PrepareUpgradeParams{
				InstallationUUID:  "fresh",
				ControlDomainUUID: "fresh",
			})

			if test.err {
				require.ErrorIs(t, err, upgrade.ErrMissingIdentifiers)
				require.ErrorIs(t, err, inventory.ErrKeyNotFound)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, upgrade.PrepareUpgradeResult{
				InstallationUUID:  installationUUID,
				ControlDomainUUID: controlDomainUUID,
			}, result)
		})
	}
}

func TestRestoreList(t *testing.T) {
	t.Parallel()

	mounter := &mounttest.Dirs{Devices: map[string]string{"/dev/sda1": t.TempDir()}}

	u, err := upgrade.NewThirdGen(context.Background(), testEnv(t, &runner.Recorder{}, mounter), installation(nil))
	require.NoError(t, err)

	entries := u.RestoreList().Entries()

	assert.Equal(t, restore.File("etc/xensource/ptoken"), entries[0])
	assert.Equal(t, restore.File("etc/mdadm.conf"), entries[len(entries)-1])

	index := func(e restore.Entry) int {
		for i, entry := range entries {
			if fmt.Sprint(entry) == fmt.Sprint(e) {
				return i
			}
		}

		return -1
	}

	// the legacy locations are restored after the current ones, and win
	assert.Less(t, index(restore.File(constants.DBCachePath)), index(restore.Rename{Src: constants.OldDBCachePath, Dst: constants.DBCachePath}))
	assert.Less(t, index(restore.File(constants.XAPIDBPath)), index(restore.Rename{Src: constants.OldXAPIDBPath, Dst: constants.XAPIDBPath}))

	// while the network daemon database prefers the current location
	assert.Less(t, index(restore.Rename{Src: constants.OldNetworkDBPath, Dst: constants.NetworkDBPath}), index(restore.File(constants.NetworkDBPath)))

	assert.GreaterOrEqual(t, index(restore.Rename{Src: constants.InventoryPath, Dst: constants.PreviousInventoryPath}), 0)
	assert.GreaterOrEqual(t, index(restore.Rename{Src: "etc/multipath.conf", Dst: "etc/multipath.conf.bak"}), 0)
}

type CompleteUpgradeSuite struct {
	suite.Suite

	root    string
	backup  string
	target  string
	mounter *mounttest.Dirs
	u       upgrade.Upgrader
}

func (suite *CompleteUpgradeSuite) SetupTest() {
	t := suite.T()

	suite.root = t.TempDir()
	suite.backup = t.TempDir()
	suite.target = t.TempDir()

	write(t, suite.backup, "etc/xensource/ptoken", "secret")
	write(t, suite.backup, "etc/ssh/ssh_host_rsa_key", "key")
	write(t, suite.backup, "etc/ssh/sshd_config", "old config")
	write(t, suite.backup, constants.InventoryPath, "INSTALLATION_UUID='"+installationUUID+"'\n")
	write(t, suite.backup, constants.OldXAPIDBPath, "<device>"+oldDiskID+"-part3</device>")
	write(t, suite.backup, constants.DefaultStorageConfPath, "TYPE='ext'\nPARTITIONS='"+oldDiskID+"-part3'\n")
	write(t, suite.backup, constants.OldDBCachePath, "<MAC>\n00:1b:21:3a:4f:e0\n</MAC>\n<device>\neth0\n</device>\n")
	write(t, suite.backup, constants.NetworkConfigPath, "NETWORKING=yes\n")

	write(t, suite.target, "etc/ssh/sshd_config", "new config")

	suite.mounter = &mounttest.Dirs{Devices: map[string]string{
		"/dev/sda1": suite.root,
		"/dev/sda2": suite.backup,
	}}

	env := testEnv(t, &runner.Recorder{Handler: copier}, suite.mounter)
	env.Prober = netrename.StaticProber{{Name: "eth0", MAC: "00:1b:21:3a:4f:e0", BusInfo: "0000:01:00.0"}}

	var err error

	suite.u, err = upgrade.NewThirdGen(context.Background(), env, installation(nil))
	suite.Require().NoError(err)
}

func (suite *CompleteUpgradeSuite) complete() {
	suite.Require().NoError(suite.u.CompleteUpgrade(context.Background(), upgrade.CompleteUpgradeParams{
		Mounts:       upgrade.Mounts{Root: suite.target},
		Previous:     installation(nil),
		Disk:         "/dev/sda",
		BackupNumber: constants.BackupPartitionNumber,
		TargetDiskID: newDiskID,
	}))

	suite.Assert().Zero(suite.mounter.Active())
}

func (suite *CompleteUpgradeSuite) TestRestores() {
	suite.complete()

	t := suite.T()

	suite.Assert().Equal("secret", read(t, suite.target, "etc/xensource/ptoken"))
	suite.Assert().Equal("key", read(t, suite.target, "etc/ssh/ssh_host_rsa_key"))
	suite.Assert().Equal("new config", read(t, suite.target, "etc/ssh/sshd_config"))
	suite.Assert().Equal("INSTALLATION_UUID='"+installationUUID+"'\n", read(t, suite.target, constants.PreviousInventoryPath))
	suite.Assert().NoFileExists(filepath.Join(suite.target, constants.InventoryPath))

	requests := suite.mounter.Requests()
	suite.Require().NotEmpty(requests)

	last := requests[len(requests)-1]
	suite.Assert().Equal("/dev/sda2", last.Source)
	suite.Assert().True(last.Options.ReadOnly)
}

func (suite *CompleteUpgradeSuite) TestMarkers() {
	suite.complete()

	t := suite.T()

	suite.Assert().Equal("PLATFORM_VERSION='6.5.0'\n", read(t, suite.target, constants.PreviousVersionPath))
	suite.Assert().Equal("UPGRADE=true\n", read(t, suite.target, constants.HostConfPath))
	suite.Assert().DirExists(filepath.Join(suite.target, "var/lib/xcp"))
	suite.Assert().DirExists(filepath.Join(suite.target, "etc/xensource"))
}

func (suite *CompleteUpgradeSuite) TestIPv6() {
	suite.complete()

	t := suite.T()

	suite.Assert().Equal("NETWORKING=yes\nNETWORKING_IPV6=no\n", read(t, suite.target, constants.NetworkConfigPath))
	suite.Assert().Equal("alias net-pf-10 off\n", read(t, suite.target, constants.DisableIPv6ConfPath))
}

func (suite *CompleteUpgradeSuite) TestIPv6AlreadyConfigured() {
	write(suite.T(), suite.backup, constants.NetworkConfigPath, "NETWORKING=yes\nNETWORKING_IPV6=yes\n")

	suite.complete()

	suite.Assert().Equal("NETWORKING=yes\nNETWORKING_IPV6=yes\n", read(suite.T(), suite.target, constants.NetworkConfigPath))
	suite.Assert().NoFileExists(filepath.Join(suite.target, constants.DisableIPv6ConfPath))
}

func (suite *CompleteUpgradeSuite) TestInterfaceNames() {
	suite.complete()

	dynamic := read(suite.T(), suite.target, filepath.Join(constants.InterfaceRenameDataDir, constants.DynamicRulesFile))
	suite.Assert().Contains(dynamic, `"00:1B:21:3A:4F:E0"`)
	suite.Assert().Contains(dynamic, `"0000:01:00.0"`)

	suite.Assert().FileExists(filepath.Join(suite.target, constants.InterfaceRenameSeedDir, constants.StaticRulesFile))
}

func (suite *CompleteUpgradeSuite) TestDiskReferences() {
	suite.complete()

	t := suite.T()

	suite.Assert().Equal("<device>"+newDiskID+"-part3</device>", read(t, suite.target, constants.XAPIDBPath))
	suite.Assert().Equal("TYPE='ext'\nPARTITIONS='"+newDiskID+"-part3'\n", read(t, suite.target, constants.DefaultStorageConfPath))
}

func TestCompleteUpgradeSuite(t *testing.T) {
	t.Parallel()

	suite.Run(t, new(CompleteUpgradeSuite))
}
