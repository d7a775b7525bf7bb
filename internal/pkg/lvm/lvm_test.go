// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package lvm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hostinstaller/hostupgrade/internal/pkg/lvm"
	"github.com/hostinstaller/hostupgrade/internal/pkg/runner"
)

const pvs = `  /dev/sdaa3  VG_XenStorage-0b6e4d2f-8a13-4c57-b9e0-7f2a1c3d5e68
  /dev/sdb1   VG_XenStorage-1f1d5a3c-7b2e-4c8e-9d2a-6a5f0e3b7c91
  /dev/nvme0n12 VG_XenStorage-5a7c9e1b-3d2f-4b68-a0c4-e6f8a2b4c6d8
  /dev/nvme0n1p3 VG_XenStorage-2e4a6c8d-1f3b-4d57-9e0a-c2b4d6f8a0e3
  /dev/sda3   VG_XenStorage-9c0a7e52-3d41-4f6b-a8e2-1b7c5d9e0f23
  /dev/sdc1
`

func TestFindOnDisk(t *testing.T) {
	t.Parallel()

	m := lvm.NewManager(&runner.Recorder{
		Handler: func(runner.Call) (string, error) { return pvs, nil },
	}, zaptest.NewLogger(t))

	tests := map[string]struct {
		disk     string
		found    bool
		expected lvm.PhysicalVolume
	}{
		"with group": {
			disk:     "/dev/sda",
			found:    true,
			expected: lvm.PhysicalVolume{Name: "/dev/sda3", VolumeGroup: "VG_XenStorage-9c0a7e52-3d41-4f6b-a8e2-1b7c5d9e0f23"},
		},
		"longer name on another disk": {
			disk:     "/dev/sdaa",
			found:    true,
			expected: lvm.PhysicalVolume{Name: "/dev/sdaa3", VolumeGroup: "VG_XenStorage-0b6e4d2f-8a13-4c57-b9e0-7f2a1c3d5e68"},
		},
		"namespace suffix": {
			disk:     "/dev/nvme0n1",
			found:    true,
			expected: lvm.PhysicalVolume{Name: "/dev/nvme0n1p3", VolumeGroup: "VG_XenStorage-2e4a6c8d-1f3b-4d57-9e0a-c2b4d6f8a0e3"},
		},
		"orphan": {
			disk:     "/dev/sdc",
			found:    true,
			expected: lvm.PhysicalVolume{Name: "/dev/sdc1"},
		},
		"none": {
			disk: "/dev/sdd",
		},
		"prefix only": {
			disk: "/dev/sd",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			pv, found, err := m.FindOnDisk(context.Background(), test.disk)
			require.NoError(t, err)
			assert.Equal(t, test.found, found)
			assert.Equal(t, test.expected, pv)
		})
	}
}

func TestCreate(t *testing.T) {
	t.Parallel()

	r := &runner.Recorder{}
	m := lvm.NewManager(r, zaptest.NewLogger(t))

	const vg = "VG_XenStorage-9c0a7e52-3d41-4f6b-a8e2-1b7c5d9e0f23"

	require.NoError(t, m.CreateVolumeGroup(context.Background(), vg, "/dev/sda3"))

	id, ok := lvm.RepositoryUUID(vg)
	require.True(t, ok)
	assert.Equal(t, "9c0a7e52-3d41-4f6b-a8e2-1b7c5d9e0f23", id)

	path, err := m.CreateLogicalVolume(context.Background(), vg, id)
	require.NoError(t, err)
	assert.Equal(t, "/dev/"+vg+"/"+id, path)

	assert.Equal(t, []string{
		"lvm vgcreate " + vg + " /dev/sda3",
		"lvm lvcreate -n " + id + " -l 100%VG " + vg,
	}, r.Lines())

	_, ok = lvm.RepositoryUUID("novg")
	assert.False(t, ok)
}
