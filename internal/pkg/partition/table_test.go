// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package partition_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostinstaller/hostupgrade/internal/pkg/partition"
)

const mib = 1 << 20

// newDisk returns a 1 GiB GPT disk of 512 byte sectors with two partitions.
func newDisk(t *testing.T) *partition.Table {
	t.Helper()

	table, err := partition.NewTable("/dev/sda", partition.KindGPT, 512, 34, 2*1024*1024-34,
		partition.Partition{Number: 1, Type: partition.TypeLinux, Start: 2048, Size: 100 * 2048, UUID: "A"},
		partition.Partition{Number: 2, Type: partition.TypeLinux, Start: 102 * 2048, Size: 100 * 2048, UUID: "B"},
	)
	require.NoError(t, err)

	return table
}

func TestNewTableValidates(t *testing.T) {
	t.Parallel()

	tests := map[string][]partition.Partition{
		"overlap": {
			{Number: 1, Type: partition.TypeLinux, Start: 2048, Size: 4096},
			{Number: 2, Type: partition.TypeLinux, Start: 4096, Size: 4096},
		},
		"duplicate": {
			{Number: 1, Type: partition.TypeLinux, Start: 2048, Size: 2048},
			{Number: 1, Type: partition.TypeLinux, Start: 8192, Size: 2048},
		},
		"out of range": {
			{Number: 1, Type: partition.TypeLinux, Start: 2048, Size: 1 << 30},
		},
		"empty": {
			{Number: 1, Type: partition.TypeLinux, Start: 2048},
		},
	}

	for name, parts := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := partition.NewTable("/dev/sda", partition.KindGPT, 512, 34, 1<<20, parts...)
			require.Error(t, err)
		})
	}
}

func TestCreateFirstFit(t *testing.T) {
	t.Parallel()

	table := newDisk(t)

	small, err := table.Create(partition.CreateOptions{Number: 3, Type: partition.TypeSwap, SizeBytes: mib})
	require.NoError(t, err)

	// the 1 MiB hole between the two partitions
	assert.Equal(t, uint64(101*2048), small.Start)
	assert.Equal(t, uint64(2048), small.Size)

	rest, err := table.Create(partition.CreateOptions{Number: 4, Type: partition.TypeLVM})
	require.NoError(t, err)

	assert.Equal(t, uint64(202*2048), rest.Start)
	assert.Equal(t, table.LastUsable, rest.End()-1)

	_, err = table.Create(partition.CreateOptions{Number: 5, Type: partition.TypeLinux, SizeBytes: mib})
	require.Error(t, err)

	_, err = table.Create(partition.CreateOptions{Number: 1, Type: partition.TypeLinux, SizeBytes: mib})
	require.Error(t, err)

	_, err = table.Create(partition.CreateOptions{Number: 6, Type: "not-a-guid", SizeBytes: mib})
	require.Error(t, err)
}

func TestCreateAt(t *testing.T) {
	t.Parallel()

	table := newDisk(t)

	require.NoError(t, table.Delete(1))

	p, err := table.Create(partition.CreateOptions{Number: 4, Type: partition.TypeBIOSBoot, StartBytes: mib, SizeBytes: 10 * mib})
	require.NoError(t, err)
	assert.Equal(t, uint64(2048), p.Start)
	assert.Equal(t, uint64(10*2048), p.Size)

	_, err = table.Create(partition.CreateOptions{Number: 5, Type: partition.TypeLinux, StartBytes: 5 * mib, SizeBytes: mib})
	require.Error(t, err, "start inside partition 4")

	_, err = table.Create(partition.CreateOptions{Number: 5, Type: partition.TypeLinux, StartBytes: 11 * mib, SizeBytes: 200 * mib})
	require.Error(t, err, "overlaps partition 2")
}

func TestRename(t *testing.T) {
	t.Parallel()

	table := newDisk(t)

	require.NoError(t, table.Rename(1, 10, false))

	assert.False(t, table.Has(1))

	p, ok := table.Get(10)
	require.True(t, ok)
	assert.Equal(t, uint64(2048), p.Start)
	assert.Equal(t, "A", p.UUID)

	require.Error(t, table.Rename(10, 2, false))
	require.ErrorIs(t, table.Rename(7, 8, false), partition.ErrNotFound)

	require.NoError(t, table.Rename(10, 2, true))
	assert.Len(t, table.Partitions(), 1)

	p, ok = table.Get(2)
	require.True(t, ok)
	assert.Equal(t, "A", p.UUID)
}

func TestResize(t *testing.T) {
	t.Parallel()

	table := newDisk(t)

	require.NoError(t, table.Resize(2, 200*mib))

	p, _ := table.Get(2)
	assert.Equal(t, uint64(200*2048), p.Size)

	require.Error(t, table.Resize(1, 200*mib), "would overlap partition 2")
	require.ErrorIs(t, table.Resize(9, mib), partition.ErrNotFound)
}

func TestChanges(t *testing.T) {
	t.Parallel()

	table := newDisk(t)

	assert.False(t, table.Dirty())

	require.NoError(t, table.Rename(1, 10, false))
	require.NoError(t, table.Resize(2, 50*mib))

	deleted, created := table.Changes()

	numbers := func(parts []partition.Partition) []int {
		var n []int

		for _, p := range parts {
			n = append(n, p.Number)
		}

		return n
	}

	assert.Equal(t, []int{1, 2}, numbers(deleted))
	assert.Equal(t, []int{2, 10}, numbers(created))
	assert.True(t, table.Dirty())
}

func TestDevName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/dev/sda3", partition.DevName("/dev/sda", 3))
	assert.Equal(t, "/dev/nvme0n1p3", partition.DevName("/dev/nvme0n1", 3))
	assert.Equal(t, "/dev/disk/by-id/ata-disk-part3", partition.DevName("/dev/disk/by-id/ata-disk", 3))
}
