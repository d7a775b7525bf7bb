// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package upgrade

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/blang/semver/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/hostinstaller/hostupgrade/internal/pkg/inventory"
	"github.com/hostinstaller/hostupgrade/internal/pkg/mount"
	"github.com/hostinstaller/hostupgrade/pkg/constants"
)

// ErrNoInstallation is returned when a root filesystem holds no inventory.
var ErrNoInstallation = errors.New("no installation found")

// Detect reads the installation on rootDevice from its inventory.
//
// The product is the PRODUCT_NAME of the inventory, PRODUCT_BRAND on inventories without one.
// The installation is upgradeable when its version parses and it has an installation identifier.
func Detect(ctx context.Context, mounter mount.Mounter, rootDevice, variant string) (_ *ExistingInstallation, err error) {
	root, err := mounter.Mount(ctx, rootDevice, mount.WithReadOnly(true), mount.WithPrefix("detect-"))
	if err != nil {
		return nil, fmt.Errorf("error mounting %s: %w", rootDevice, err)
	}

	defer func() {
		if unmountErr := root.Unmount(); unmountErr != nil {
			err = multierror.Append(err, unmountErr)
		}
	}()

	inv, err := inventory.ReadFile(root.Join(constants.InventoryPath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w on %s", ErrNoInstallation, rootDevice)
		}

		return nil, err
	}

	install := &ExistingInstallation{
		RootDevice: rootDevice,
		Variant:    variant,
		Inventory:  inv,
	}

	name, ok := inv.Lookup(constants.InventoryProductName)
	if !ok {
		name, _ = inv.Lookup(constants.InventoryProductBrand)
	}

	install.Name = name

	raw, _ := inv.Lookup(constants.InventoryPlatformVersion)

	version, versionErr := semver.ParseTolerant(raw)
	if versionErr == nil {
		install.Version = version
	}

	_, hasID := inv.Lookup(constants.InventoryInstallationUUID)

	install.Upgradeable = versionErr == nil && hasID

	return install, nil
}
