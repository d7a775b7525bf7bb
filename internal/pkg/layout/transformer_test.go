// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package layout_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hostinstaller/hostupgrade/internal/pkg/layout"
	"github.com/hostinstaller/hostupgrade/internal/pkg/partition"
	"github.com/hostinstaller/hostupgrade/internal/pkg/runner"
	"github.com/hostinstaller/hostupgrade/pkg/constants"
)

// backedUpDump is the sfdisk dump of a disk whose backup partition was grown.
const backedUpDump = `{
   "partitiontable": {
      "label": "gpt",
      "device": "/dev/sda",
      "firstlba": 34,
      "lastlba": 209715166,
      "sectorsize": 512,
      "partitions": [
         {"node": "/dev/sda1", "start": 2048, "size": 8388608, "type": "0FC63DAF-8483-4772-8E79-3D69D8477DE4"},
         {"node": "/dev/sda2", "start": 8390656, "size": 37748736, "type": "0FC63DAF-8483-4772-8E79-3D69D8477DE4"}
      ]
   }
}`

const newLayoutDump = `{
   "partitiontable": {
      "label": "gpt",
      "device": "/dev/sda",
      "firstlba": 34,
      "lastlba": 209715166,
      "sectorsize": 512,
      "partitions": [
         {"node": "/dev/sda5", "start": 2048, "size": 8388608, "type": "0FC63DAF-8483-4772-8E79-3D69D8477DE4"},
         {"node": "/dev/sda2", "start": 8390656, "size": 37748736, "type": "0FC63DAF-8483-4772-8E79-3D69D8477DE4"},
         {"node": "/dev/sda1", "start": 46139392, "size": 37748736, "type": "0FC63DAF-8483-4772-8E79-3D69D8477DE4"},
         {"node": "/dev/sda4", "start": 83888128, "size": 1048576, "type": "21686148-6449-6E6F-744E-656564454649"}
      ]
   }
}`

const vg = "VG_XenStorage-9c0a7e52-3d41-4f6b-a8e2-1b7c5d9e0f23"

func recorder(dump, pvs string) *runner.Recorder {
	return &runner.Recorder{
		Handler: func(c runner.Call) (string, error) {
			switch {
			case c.Name == "sfdisk":
				return dump, nil
			case c.Name == "lvm" && c.Args[0] == "pvs":
				return pvs, nil
			default:
				return "", nil
			}
		},
	}
}

func request(storageType, volumeGroup string) layout.Request {
	return layout.Request{
		Disk:        "/dev/sda",
		TableKind:   partition.KindGPT,
		Plan:        defaultPlan(true, layout.BootModeBIOS),
		VolumeGroup: volumeGroup,
		StorageType: storageType,
	}
}

func TestTransformFullRewrite(t *testing.T) {
	t.Parallel()

	r := recorder(backedUpDump, "  /dev/sdb1   VG_Other\n")
	tr := layout.NewTransformer(r, zaptest.NewLogger(t))

	newLayout, err := tr.Transform(context.Background(), request(constants.StorageTypeExt, vg))
	require.NoError(t, err)
	assert.True(t, newLayout)

	lines := r.Lines()
	require.Len(t, lines, 7)

	assert.Equal(t, "sfdisk --json /dev/sda", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "sgdisk --set-alignment=1 --delete=1 --new=1:46139392:83888127 "), lines[1])

	for _, fragment := range []string{"--new=3:", "--new=4:", "--new=5:2048:8390655", "--new=6:", "--typecode=3:" + partition.TypeLVM} {
		assert.Contains(t, lines[1], fragment)
	}

	assert.NotContains(t, lines[1], "--new=10:")

	id := strings.TrimPrefix(vg, "VG_XenStorage-")

	assert.Equal(t, []string{
		"udevadm settle",
		"lvm pvs -o pv_name,vg_name --noheadings",
		"lvm vgcreate " + vg + " /dev/sda3",
		"lvm lvcreate -n " + id + " -l 100%VG " + vg,
		"mkfs.ext3 -F /dev/" + vg + "/" + id,
	}, lines[2:])
}

func TestTransformRemovesStaleGroup(t *testing.T) {
	t.Parallel()

	r := recorder(backedUpDump, "  /dev/sda3   VG_Stale\n")
	tr := layout.NewTransformer(r, zaptest.NewLogger(t))

	_, err := tr.Transform(context.Background(), request("lvm", vg))
	require.NoError(t, err)

	lines := r.Lines()
	assert.Equal(t, []string{
		"lvm vgremove -f VG_Stale",
		"lvm vgcreate " + vg + " /dev/sda3",
	}, lines[len(lines)-2:])

	assert.Empty(t, r.Find("lvm", "lvcreate"))
	assert.Empty(t, r.Find("mkfs.ext3"))
}

func TestTransformWithoutVolumeGroup(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)

	r := recorder(backedUpDump, "")
	tr := layout.NewTransformer(r, zap.New(core))

	_, err := tr.Transform(context.Background(), request(constants.StorageTypeExt, ""))
	require.NoError(t, err)

	assert.Empty(t, r.Find("lvm", "vgcreate"))
	assert.Equal(t, 1, logs.FilterMessage("no storage volume group to recreate").Len())
}

func TestTransformNoChange(t *testing.T) {
	t.Parallel()

	r := recorder(newLayoutDump, "")
	tr := layout.NewTransformer(r, zaptest.NewLogger(t))

	newLayout, err := tr.Transform(context.Background(), request(constants.StorageTypeExt, vg))
	require.NoError(t, err)
	assert.True(t, newLayout)

	assert.Equal(t, []string{"sfdisk --json /dev/sda"}, r.Lines())
}

func TestTransformDOS(t *testing.T) {
	t.Parallel()

	r := recorder(backedUpDump, "")
	tr := layout.NewTransformer(r, zaptest.NewLogger(t))

	req := request(constants.StorageTypeExt, vg)
	req.TableKind = partition.KindDOS
	req.NewLayout = true

	newLayout, err := tr.Transform(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, newLayout)
	assert.Empty(t, r.Calls())
}
