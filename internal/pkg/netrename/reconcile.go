// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package netrename carries network interface naming across an upgrade.
package netrename

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/siderolabs/gen/xslices"
	"go.uber.org/zap"

	"github.com/hostinstaller/hostupgrade/pkg/constants"
)

// Reconciler makes sure the new root has interface naming state.
type Reconciler struct {
	Prober Prober
	Logger *zap.Logger
}

// NewReconciler returns a Reconciler probing devices with p.
func NewReconciler(p Prober, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		Prober: p,
		Logger: logger,
	}
}

// Reconcile converts the restored naming rules of targetRoot, or generates them from the
// network database cache of backupRoot when the installation predates them.
func (r *Reconciler) Reconcile(ctx context.Context, backupRoot, targetRoot string) error {
	static := filepath.Join(targetRoot, constants.InterfaceRenameDataDir, constants.StaticRulesFile)

	_, err := os.Stat(static)

	switch {
	case err == nil:
		converted, err := ConvertLegacyPorts(static)
		if err != nil {
			return fmt.Errorf("error converting static rules: %w", err)
		}

		r.Logger.Info("found existing interface naming rules", zap.String("path", static), zap.Bool("converted", converted))

		return nil
	case !errors.Is(err, fs.ErrNotExist):
		return err
	}

	dynamic, err := r.dynamicRules(ctx, backupRoot)
	if err != nil {
		return err
	}

	for _, dir := range []string{constants.InterfaceRenameDataDir, constants.InterfaceRenameSeedDir} {
		dir = filepath.Join(targetRoot, dir)

		if err = (StaticRules{}).Save(filepath.Join(dir, constants.StaticRulesFile)); err != nil {
			return err
		}

		if err = dynamic.Save(filepath.Join(dir, constants.DynamicRulesFile)); err != nil {
			return err
		}
	}

	r.Logger.Info("generated interface naming rules", zap.Int("lastboot", len(dynamic.LastBoot)))

	return nil
}

func (r *Reconciler) dynamicRules(ctx context.Context, backupRoot string) (DynamicRules, error) {
	records, found, err := readDBCache(backupRoot)
	if err != nil {
		return DynamicRules{}, err
	}

	if !found {
		r.Logger.Warn("network database cache did not exist in the backup image", zap.String("path", "/"+constants.DBCachePath))
	}

	devices, err := r.Prober.Devices(ctx)
	if err != nil {
		return DynamicRules{}, fmt.Errorf("error probing network devices: %w", err)
	}

	byMAC := xslices.ToMap(
		xslices.Filter(devices, func(d Device) bool { return d.BusInfo != "" }),
		func(d Device) (string, Device) { return normalizeMAC(d.MAC), d },
	)

	var rules DynamicRules

	for _, rec := range records {
		dev, ok := byMAC[normalizeMAC(rec.MAC)]

		if !strings.HasPrefix(rec.Device, "eth") || !ok {
			r.Logger.Warn("dropping network database record", zap.String("mac", rec.MAC), zap.String("device", rec.Device))

			continue
		}

		rules.LastBoot = append(rules.LastBoot, DynamicRule{strings.ToUpper(rec.MAC), dev.BusInfo, rec.Device})
	}

	return rules, nil
}

func readDBCache(root string) ([]Record, bool, error) {
	for _, path := range []string{constants.DBCachePath, constants.OldDBCachePath} {
		f, err := os.Open(filepath.Join(root, path))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return nil, false, err
		}

		records, err := ParseDBCache(f)
		f.Close() //nolint:errcheck

		return records, true, err
	}

	return nil, false, nil
}

func normalizeMAC(s string) string {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return strings.ToLower(s)
	}

	return hw.String()
}
