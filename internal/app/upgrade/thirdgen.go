// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package upgrade

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/blang/semver/v4"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/hostinstaller/hostupgrade/internal/pkg/backup"
	"github.com/hostinstaller/hostupgrade/internal/pkg/devpath"
	"github.com/hostinstaller/hostupgrade/internal/pkg/inventory"
	"github.com/hostinstaller/hostupgrade/internal/pkg/layout"
	"github.com/hostinstaller/hostupgrade/internal/pkg/mount"
	"github.com/hostinstaller/hostupgrade/internal/pkg/netrename"
	"github.com/hostinstaller/hostupgrade/internal/pkg/partition"
	"github.com/hostinstaller/hostupgrade/internal/pkg/restore"
	"github.com/hostinstaller/hostupgrade/pkg/constants"
)

// ThirdGenRegistration registers ThirdGen for retail installations from the oldest
// upgradeable version up to this platform.
func ThirdGenRegistration() Registration {
	return Registration{
		Name:     "third generation",
		Product:  constants.ProductName,
		Variants: []string{constants.ProductVariantRetail},
		Versions: []VersionRange{
			{
				Min: semver.MustParse(constants.MinUpgradeableVersion),
				Max: semver.MustParse(constants.PlatformVersion),
			},
		},
		New: NewThirdGen,
	}
}

// ThirdGen upgrades installations using the backup partition layout.
type ThirdGen struct {
	env    Env
	source *ExistingInstallation

	safeToUpgrade bool
	storageType   string

	// volumeGroup is the storage volume group dropped during the backup.
	volumeGroup string

	backup      *backup.Engine
	transformer *layout.Transformer
	restorer    *restore.Engine
	reconciler  *netrename.Reconciler
	rewriter    *devpath.Rewriter
}

// NewThirdGen inspects the root filesystem of src and returns its upgrader.
func NewThirdGen(ctx context.Context, env Env, src *ExistingInstallation) (Upgrader, error) {
	u := &ThirdGen{
		env:         env,
		source:      src,
		backup:      backup.NewEngine(env.Runner, env.Mounter, env.Logger),
		transformer: layout.NewTransformer(env.Runner, env.Logger),
		restorer:    restore.NewEngine(env.Runner, env.Logger),
		reconciler:  netrename.NewReconciler(env.Prober, env.Logger),
		rewriter:    devpath.NewRewriter(env.Logger),
	}

	if env.WaitDevice != nil {
		u.backup.WaitDevice = env.WaitDevice
	}

	if err := u.inspect(ctx); err != nil {
		return nil, err
	}

	env.Logger.Info("inspected installation",
		zap.Bool("safe_to_upgrade", u.safeToUpgrade),
		zap.String("storage_type", u.storageType),
	)

	return u, nil
}

func (u *ThirdGen) inspect(ctx context.Context) (err error) {
	root, err := u.env.Mounter.Mount(ctx, u.source.RootDevice, mount.WithReadOnly(true), mount.WithPrefix("primary-"))
	if err != nil {
		return fmt.Errorf("error mounting root filesystem: %w", err)
	}

	defer func() {
		if unmountErr := root.Unmount(); unmountErr != nil {
			err = multierror.Append(err, unmountErr)
		}
	}()

	if st, statErr := os.Stat(root.Join(constants.SafeToUpgradePath)); statErr == nil && st.Mode().IsRegular() {
		u.safeToUpgrade = true
	}

	storage, err := inventory.ReadFile(root.Join(constants.DefaultStorageConfPath))

	switch {
	case err == nil:
		u.storageType, _ = storage.Lookup("TYPE")
	case errors.Is(err, fs.ErrNotExist):
		err = nil
	default:
		return fmt.Errorf("error reading storage configuration: %w", err)
	}

	return err
}

func (u *ThirdGen) backupOptions(params BackupParams) backup.Options {
	return backup.Options{
		Disk:          params.Disk,
		RootDevice:    u.source.RootDevice,
		TableKind:     params.TableKind,
		BackupNumber:  params.BackupNumber,
		BootNumber:    params.BootNumber,
		StorageNumber: params.StorageNumber,
		LogsNumber:    params.LogsNumber,
		SafeToUpgrade: u.safeToUpgrade,
		BackupSize:    u.env.BackupSize,
	}
}

func (u *ThirdGen) layoutRequest(params PrepareTargetParams) layout.Request {
	return layout.Request{
		Disk:      params.Disk,
		TableKind: params.TableKind,
		Plan: layout.Plan{
			Numbering:     params.Numbering,
			BootMode:      params.BootMode,
			Sizes:         u.env.Sizes,
			SafeToUpgrade: u.safeToUpgrade,
		},
		NewLayout:   params.NewLayout,
		VolumeGroup: u.volumeGroup,
		StorageType: u.storageType,
	}
}

// DoBackup implements Upgrader.
func (u *ThirdGen) DoBackup(ctx context.Context, params BackupParams, progress ProgressFunc) error {
	result, err := u.backup.Run(ctx, u.backupOptions(params), backup.ProgressFunc(progress.report))
	if err != nil {
		return err
	}

	u.volumeGroup = result.VolumeGroup

	return nil
}

// PrepareTarget implements Upgrader.
func (u *ThirdGen) PrepareTarget(ctx context.Context, params PrepareTargetParams, progress ProgressFunc) (PrepareTargetResult, error) {
	newLayout, err := u.transformer.Transform(ctx, u.layoutRequest(params))
	if err != nil {
		return PrepareTargetResult{}, err
	}

	progress.report(100)

	return PrepareTargetResult{NewLayout: newLayout}, nil
}

// PlanTarget implements Planner.
func (u *ThirdGen) PlanTarget(ctx context.Context, backupParams BackupParams, params PrepareTargetParams) (TargetPlan, error) {
	table, err := u.transformer.Tool.Read(ctx, params.Disk)
	if err != nil {
		return TargetPlan{}, err
	}

	plan := TargetPlan{Table: table}

	opts := u.backupOptions(backupParams)

	if backup.Grows(table, opts) {
		if err = backup.StageGrow(table, opts); err != nil {
			return TargetPlan{}, err
		}

		plan.GrowsBackup = true
	}

	if plan.Decision, err = u.transformer.Preview(table, u.layoutRequest(params)); err != nil {
		return TargetPlan{}, err
	}

	return plan, nil
}

// PrepareUpgrade implements Upgrader.
//
// The identifiers of the installation are kept, whatever the params propose.
func (u *ThirdGen) PrepareUpgrade(_ context.Context, _ PrepareUpgradeParams) (PrepareUpgradeResult, error) {
	installationUUID, err := u.source.Inventory.Get(constants.InventoryInstallationUUID)
	if err != nil {
		return PrepareUpgradeResult{}, fmt.Errorf("%w: %w", ErrMissingIdentifiers, err)
	}

	controlDomainUUID, err := u.source.Inventory.Get(constants.InventoryControlDomainUUID)
	if err != nil {
		return PrepareUpgradeResult{}, fmt.Errorf("%w: %w", ErrMissingIdentifiers, err)
	}

	return PrepareUpgradeResult{
		InstallationUUID:  installationUUID,
		ControlDomainUUID: controlDomainUUID,
	}, nil
}

// RestoreList implements Upgrader.
func (u *ThirdGen) RestoreList() *restore.List {
	l := &restore.List{}

	l.Files("etc/xensource/ptoken", "etc/xensource/pool.conf", "etc/xensource/xapi-ssl.pem").
		Dir("etc/ssh", restore.MatchRegexp(`.*/ssh_host_.+`)).
		Files(constants.NetworkConfigPath, constants.DBCachePath).
		Rename(constants.OldDBCachePath, constants.DBCachePath).
		Dir("etc/sysconfig/network-scripts", restore.MatchRegexp(`.*/ifcfg-[a-z0-9.]+`)).
		Files(constants.XAPIDBPath, "etc/xensource/license").
		Rename(constants.OldXAPIDBPath, constants.XAPIDBPath).
		Dir(constants.FirstbootDataDir, restore.MatchRegexp(`.*.conf`)).
		Files("etc/xensource/syslog.conf").
		Rename(constants.InventoryPath, constants.PreviousInventoryPath)

	// directory services
	l.Files("etc/resolv.conf", "etc/nsswitch.conf", "etc/krb5.conf", "etc/krb5.keytab", "etc/pam.d/sshd").
		Dir("var/lib/likewise", nil).
		Dir("var/lib/pbis", restore.MatchRegexp(`.*/krb5.+`)).
		Dir("var/lib/pbis", restore.MatchRegexp(`.*/.+\.xml`)).
		Dir("var/lib/pbis/db", nil)

	l.Rename("var/xapi/lpe-cache", "var/lib/xcp/lpe-cache").
		Rename("var/xapi/blobs", "var/lib/xcp/blobs").
		Files("etc/sysconfig/mkinitrd.latches").
		Dir(constants.InterfaceRenameDataDir, nil).
		Dir(constants.InterfaceRenameSeedDir, nil).
		Dir("root/.ssh", nil).
		Rename(constants.OldNetworkDBPath, constants.NetworkDBPath).
		Files(constants.NetworkDBPath, "etc/pygrub/rules.d/oracle-5.6").
		Rename("etc/multipath.conf", "etc/multipath.conf.bak").
		Files("etc/locale.conf", "etc/machine-id", "etc/vconsole.conf", "etc/sysconfig/logrotate", "etc/mdadm.conf")

	return l
}

// CompleteUpgrade implements Upgrader.
func (u *ThirdGen) CompleteUpgrade(ctx context.Context, params CompleteUpgradeParams) (err error) {
	root := params.Mounts.Root

	for _, dir := range []string{"var/lib/xcp", "etc/xensource"} {
		if err = os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return err
		}
	}

	backupDevice := partition.DevName(params.Disk, params.BackupNumber)

	src, err := u.env.Mounter.Mount(ctx, backupDevice, mount.WithReadOnly(true), mount.WithPrefix("upgrade-src-"))
	if err != nil {
		return fmt.Errorf("error mounting backup partition: %w", err)
	}

	defer func() {
		if unmountErr := src.Unmount(); unmountErr != nil {
			err = multierror.Append(err, unmountErr)
		}
	}()

	if err = u.restorer.Restore(ctx, src.Target(), root, u.RestoreList()); err != nil {
		return err
	}

	previous := params.Previous
	if previous == nil {
		previous = u.source
	}

	if err = writeFile(filepath.Join(root, constants.PreviousVersionPath), fmt.Sprintf("PLATFORM_VERSION='%s'\n", previous.Version)); err != nil {
		return err
	}

	if err = writeFile(filepath.Join(root, constants.HostConfPath), "UPGRADE=true\n"); err != nil {
		return err
	}

	if err = u.reconciler.Reconcile(ctx, src.Target(), root); err != nil {
		return fmt.Errorf("error reconciling interface names: %w", err)
	}

	if err = disableIPv6(root); err != nil {
		return err
	}

	return u.rewriteDiskReferences(root, params)
}

func (u *ThirdGen) rewriteDiskReferences(root string, params CompleteUpgradeParams) error {
	primaryDisk, ok := u.source.Inventory.Lookup(constants.InventoryPrimaryDisk)
	if !ok {
		u.env.Logger.Warn("inventory has no primary disk, leaving disk references unchanged")

		return nil
	}

	targetID := params.TargetDiskID

	if targetID == "" {
		var err error

		if targetID, err = devpath.StableID(u.env.DiskByIDDir, params.Disk); err != nil {
			return err
		}
	}

	return u.rewriter.Rewrite(root, primaryDisk, targetID)
}

// disableIPv6 turns IPv6 off unless the network configuration already decides.
func disableIPv6(root string) error {
	path := filepath.Join(root, constants.NetworkConfigPath)

	network, err := inventory.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error reading network configuration: %w", err)
	}

	if _, ok := network.Lookup("NETWORKING_IPV6"); ok {
		return nil
	}

	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	if _, err = f.WriteString("NETWORKING_IPV6=no\n"); err != nil {
		f.Close() //nolint:errcheck

		return err
	}

	if err = f.Close(); err != nil {
		return err
	}

	return writeFile(filepath.Join(root, constants.DisableIPv6ConfPath), "alias net-pf-10 off\n")
}

func writeFile(path, contents string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}

	return nil
}
