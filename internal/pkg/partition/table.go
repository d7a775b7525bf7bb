// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package partition

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a partition number is not in the table.
var ErrNotFound = errors.New("partition not found")

// DefaultAlignment is the alignment of allocated partitions, in bytes.
const DefaultAlignment = 1 << 20

// Table is an in-memory partition table.
//
// Mutations are staged and validated in memory; nothing reaches the disk
// until the table is committed with Tool.Commit.
type Table struct {
	Device     string
	Kind       Kind
	SectorSize uint64

	// FirstUsable and LastUsable bound the sectors partitions may occupy, both inclusive.
	FirstUsable uint64
	LastUsable  uint64

	staged    []Partition
	committed []Partition
}

// NewTable builds a table from its committed state.
func NewTable(device string, kind Kind, sectorSize, firstUsable, lastUsable uint64, parts ...Partition) (*Table, error) {
	if sectorSize == 0 {
		return nil, errors.New("sector size must be positive")
	}

	if lastUsable < firstUsable {
		return nil, fmt.Errorf("invalid usable range %d-%d", firstUsable, lastUsable)
	}

	t := &Table{
		Device:      device,
		Kind:        kind,
		SectorSize:  sectorSize,
		FirstUsable: firstUsable,
		LastUsable:  lastUsable,
		staged:      slices.Clone(parts),
	}

	if err := t.validate(t.staged); err != nil {
		return nil, err
	}

	t.markCommitted()

	return t, nil
}

// Partitions returns the staged partitions ordered by number.
func (t *Table) Partitions() []Partition {
	parts := slices.Clone(t.staged)

	slices.SortFunc(parts, func(a, b Partition) int { return a.Number - b.Number })

	return parts
}

// Get returns the staged partition with the given number.
func (t *Table) Get(number int) (Partition, bool) {
	idx := t.index(number)
	if idx < 0 {
		return Partition{}, false
	}

	return t.staged[idx], true
}

// Has reports whether a partition with the given number is staged.
func (t *Table) Has(number int) bool {
	return t.index(number) >= 0
}

// CreateOptions describes a new partition.
type CreateOptions struct {
	Number int
	Type   string
	Name   string

	// SizeBytes of zero takes the whole free region.
	SizeBytes uint64
	// StartBytes of zero places the partition in the first free region that fits.
	StartBytes uint64
}

// Create stages a new partition and returns it.
func (t *Table) Create(opts CreateOptions) (Partition, error) {
	if opts.Number <= 0 {
		return Partition{}, fmt.Errorf("invalid partition number %d", opts.Number)
	}

	if t.Has(opts.Number) {
		return Partition{}, fmt.Errorf("partition %d already exists", opts.Number)
	}

	if t.Kind == KindGPT {
		if _, err := uuid.Parse(opts.Type); err != nil {
			return Partition{}, fmt.Errorf("invalid partition type %q: %w", opts.Type, err)
		}
	}

	size := opts.SizeBytes / t.SectorSize

	var start uint64

	if opts.StartBytes > 0 {
		start = opts.StartBytes / t.SectorSize

		g, ok := t.gapAt(start)
		if !ok {
			return Partition{}, fmt.Errorf("partition %d: sector %d is not free", opts.Number, start)
		}

		if size == 0 {
			size = g.end - start
		}
	} else {
		g, ok := t.fit(size)
		if !ok {
			return Partition{}, fmt.Errorf("partition %d: no free region for %d sectors", opts.Number, size)
		}

		start = g.start

		if size == 0 {
			size = g.end - g.start
		}
	}

	p := Partition{
		Number: opts.Number,
		Type:   strings.ToUpper(opts.Type),
		Start:  start,
		Size:   size,
		Name:   opts.Name,
		UUID:   strings.ToUpper(uuid.NewString()),
	}

	if err := t.apply(append(slices.Clone(t.staged), p)); err != nil {
		return Partition{}, err
	}

	return p, nil
}

// Delete stages the removal of a partition.
func (t *Table) Delete(number int) error {
	idx := t.index(number)
	if idx < 0 {
		return fmt.Errorf("partition %d: %w", number, ErrNotFound)
	}

	t.staged = slices.Delete(t.staged, idx, idx+1)

	return nil
}

// Rename stages a change of partition number, keeping its position and identity.
//
// An existing partition at dst is replaced only when overwrite is set.
func (t *Table) Rename(src, dst int, overwrite bool) error {
	if src == dst {
		return nil
	}

	if dst <= 0 {
		return fmt.Errorf("invalid partition number %d", dst)
	}

	idx := t.index(src)
	if idx < 0 {
		return fmt.Errorf("partition %d: %w", src, ErrNotFound)
	}

	parts := slices.Clone(t.staged)

	if dstIdx := t.index(dst); dstIdx >= 0 {
		if !overwrite {
			return fmt.Errorf("cannot rename partition %d to %d: target exists", src, dst)
		}

		parts = slices.Delete(parts, dstIdx, dstIdx+1)

		if dstIdx < idx {
			idx--
		}
	}

	parts[idx].Number = dst

	return t.apply(parts)
}

// Resize stages a new size for a partition, keeping its start.
func (t *Table) Resize(number int, sizeBytes uint64) error {
	idx := t.index(number)
	if idx < 0 {
		return fmt.Errorf("partition %d: %w", number, ErrNotFound)
	}

	parts := slices.Clone(t.staged)
	parts[idx].Size = sizeBytes / t.SectorSize

	return t.apply(parts)
}

// Dirty reports whether there are staged changes.
func (t *Table) Dirty() bool {
	deleted, created := t.Changes()

	return len(deleted) > 0 || len(created) > 0
}

// Changes returns the committed partitions to remove and the staged partitions to write.
//
// A partition staged unchanged appears in neither list.
func (t *Table) Changes() (deleted, created []Partition) {
	committed := make(map[int]Partition, len(t.committed))

	for _, p := range t.committed {
		committed[p.Number] = p
	}

	staged := make(map[int]Partition, len(t.staged))

	for _, p := range t.staged {
		staged[p.Number] = p
	}

	for _, p := range t.committed {
		if s, ok := staged[p.Number]; !ok || s != p {
			deleted = append(deleted, p)
		}
	}

	for _, p := range t.staged {
		if c, ok := committed[p.Number]; !ok || c != p {
			created = append(created, p)
		}
	}

	byNumber := func(a, b Partition) int { return a.Number - b.Number }

	slices.SortFunc(deleted, byNumber)
	slices.SortFunc(created, byNumber)

	return deleted, created
}

// Bytes converts a number of sectors to bytes.
func (t *Table) Bytes(sectors uint64) uint64 {
	return sectors * t.SectorSize
}

func (t *Table) markCommitted() {
	t.committed = slices.Clone(t.staged)
}

func (t *Table) index(number int) int {
	return slices.IndexFunc(t.staged, func(p Partition) bool { return p.Number == number })
}

func (t *Table) apply(parts []Partition) error {
	if err := t.validate(parts); err != nil {
		return err
	}

	t.staged = parts

	return nil
}

func (t *Table) validate(parts []Partition) error {
	byStart := slices.Clone(parts)

	slices.SortFunc(byStart, func(a, b Partition) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		default:
			return 0
		}
	})

	seen := make(map[int]struct{}, len(parts))

	for i, p := range byStart {
		if _, ok := seen[p.Number]; ok {
			return fmt.Errorf("duplicate partition number %d", p.Number)
		}

		seen[p.Number] = struct{}{}

		if p.Size == 0 {
			return fmt.Errorf("partition %d is empty", p.Number)
		}

		if p.Start < t.FirstUsable || p.End()-1 > t.LastUsable {
			return fmt.Errorf("partition %d (%d-%d) is outside of the usable range %d-%d", p.Number, p.Start, p.End()-1, t.FirstUsable, t.LastUsable)
		}

		if i > 0 && byStart[i-1].End() > p.Start {
			return fmt.Errorf("partition %d overlaps partition %d", p.Number, byStart[i-1].Number)
		}
	}

	return nil
}

type gap struct {
	start, end uint64
}

// gaps returns the free regions of the staged table, aligned.
func (t *Table) gaps() []gap {
	parts := slices.Clone(t.staged)

	slices.SortFunc(parts, func(a, b Partition) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		default:
			return 0
		}
	})

	var (
		result []gap
		cursor = t.FirstUsable
		limit  = t.LastUsable + 1
	)

	add := func(start, end uint64) {
		start = t.alignUp(start)

		if start < end {
			result = append(result, gap{start: start, end: end})
		}
	}

	for _, p := range parts {
		if p.Start > cursor {
			add(cursor, p.Start)
		}

		cursor = max(cursor, p.End())
	}

	if cursor < limit {
		add(cursor, limit)
	}

	return result
}

// fit returns the first gap holding size sectors, or the largest gap when size is zero.
func (t *Table) fit(size uint64) (gap, bool) {
	var best gap

	for _, g := range t.gaps() {
		if size == 0 {
			if g.end-g.start > best.end-best.start {
				best = g
			}

			continue
		}

		if g.end-g.start >= size {
			return g, true
		}
	}

	return best, size == 0 && best.end > best.start
}

// gapAt returns the unaligned free region containing sector.
func (t *Table) gapAt(sector uint64) (gap, bool) {
	if sector < t.FirstUsable || sector > t.LastUsable {
		return gap{}, false
	}

	g := gap{start: t.FirstUsable, end: t.LastUsable + 1}

	for _, p := range t.staged {
		switch {
		case sector >= p.Start && sector < p.End():
			return gap{}, false
		case p.End() <= sector && p.End() > g.start:
			g.start = p.End()
		case p.Start > sector && p.Start < g.end:
			g.end = p.Start
		}
	}

	return g, true
}

func (t *Table) alignUp(sector uint64) uint64 {
	align := uint64(DefaultAlignment) / t.SectorSize
	if align <= 1 {
		return sector
	}

	return (sector + align - 1) / align * align
}
