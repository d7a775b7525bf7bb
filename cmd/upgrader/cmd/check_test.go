// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"testing"

	"github.com/blang/semver/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostinstaller/hostupgrade/internal/app/upgrade"
	"github.com/hostinstaller/hostupgrade/pkg/constants"
)

func TestCheckUpgrade(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		version     string
		upgradeable bool
		notFound    bool
		invalid     bool
	}{
		"supported": {
			version:     "6.5.0",
			upgradeable: true,
		},
		"missing identifier": {
			version: "6.5.0",
			invalid: true,
		},
		"too old": {
			version:     "5.6.0",
			upgradeable: true,
			notFound:    true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			src := &upgrade.ExistingInstallation{
				Name:        constants.ProductName,
				Version:     semver.MustParse(test.version),
				Variant:     constants.ProductVariantRetail,
				RootDevice:  "/dev/sda1",
				Upgradeable: test.upgradeable,
			}

			reg, err := checkUpgrade(upgrade.DefaultRegistry(), src)

			switch {
			case test.notFound:
				require.ErrorIs(t, err, upgrade.ErrNotFound)
			case test.invalid:
				require.Error(t, err)
				assert.Contains(t, err.Error(), "cannot be upgraded")
			default:
				require.NoError(t, err)
				assert.Equal(t, "third generation", reg.Name)
			}
		})
	}
}
