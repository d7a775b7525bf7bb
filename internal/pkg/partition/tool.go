// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package partition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/hostinstaller/hostupgrade/internal/pkg/runner"
)

// Tool reads and writes partition tables with the util-linux and gdisk tools.
type Tool struct {
	Runner runner.Runner
	Logger *zap.Logger
}

// NewTool returns a Tool running commands through r.
func NewTool(r runner.Runner, logger *zap.Logger) *Tool {
	return &Tool{
		Runner: r,
		Logger: logger,
	}
}

type sfdiskDump struct {
	PartitionTable struct {
		Label      string `json:"label"`
		Device     string `json:"device"`
		FirstLBA   uint64 `json:"firstlba"`
		LastLBA    uint64 `json:"lastlba"`
		SectorSize uint64 `json:"sectorsize"`
		Partitions []struct {
			Node  string `json:"node"`
			Start uint64 `json:"start"`
			Size  uint64 `json:"size"`
			Type  string `json:"type"`
			UUID  string `json:"uuid"`
			Name  string `json:"name"`
			Attrs string `json:"attrs"`
		} `json:"partitions"`
	} `json:"partitiontable"`
}

// Read loads the partition table of device.
func (tool *Tool) Read(ctx context.Context, device string) (*Table, error) {
	out, err := tool.Runner.Run(ctx, "sfdisk", "--json", device)
	if err != nil {
		return nil, fmt.Errorf("error reading partition table of %s: %w", device, err)
	}

	return ParseDump(device, []byte(out))
}

// ParseDump builds a table from the JSON dump of sfdisk.
func ParseDump(device string, data []byte) (*Table, error) {
	var dump sfdiskDump

	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("error decoding partition table of %s: %w", device, err)
	}

	pt := dump.PartitionTable

	sectorSize := pt.SectorSize
	if sectorSize == 0 {
		sectorSize = 512
	}

	parts := make([]Partition, 0, len(pt.Partitions))

	var end uint64

	for _, p := range pt.Partitions {
		number, err := nodeNumber(p.Node)
		if err != nil {
			return nil, err
		}

		attrs, err := parseAttributes(p.Attrs)
		if err != nil {
			return nil, fmt.Errorf("partition %s: %w", p.Node, err)
		}

		parts = append(parts, Partition{
			Number:     number,
			Type:       strings.ToUpper(p.Type),
			Start:      p.Start,
			Size:       p.Size,
			Name:       p.Name,
			UUID:       strings.ToUpper(p.UUID),
			Attributes: attrs,
		})

		end = max(end, p.Start+p.Size)
	}

	var kind Kind

	switch pt.Label {
	case "gpt":
		kind = KindGPT
	case "dos":
		kind = KindDOS
	default:
		return nil, fmt.Errorf("unsupported partition table %q on %s", pt.Label, device)
	}

	first, last := pt.FirstLBA, pt.LastLBA

	if kind == KindDOS {
		first, last = 1, 1

		if end > 1 {
			last = end - 1
		}
	}

	return NewTable(device, kind, sectorSize, first, last, parts...)
}

func nodeNumber(node string) (int, error) {
	i := len(node)

	for i > 0 && node[i-1] >= '0' && node[i-1] <= '9' {
		i--
	}

	n, err := strconv.Atoi(node[i:])
	if err != nil {
		return 0, fmt.Errorf("cannot find partition number of %q", node)
	}

	return n, nil
}

// parseAttributes decodes the GPT attribute list printed by sfdisk,
// e.g. "RequiredPartition LegacyBIOSBootable GUID:60,63".
func parseAttributes(attrs string) (uint64, error) {
	var bits uint64

	for _, field := range strings.Fields(attrs) {
		switch field {
		case "RequiredPartition":
			bits |= 1 << 0
		case "NoBlockIOProtocol":
			bits |= 1 << 1
		case "LegacyBIOSBootable":
			bits |= 1 << 2
		default:
			list, ok := strings.CutPrefix(field, "GUID:")
			if !ok {
				return 0, fmt.Errorf("unknown partition attribute %q", field)
			}

			for _, bit := range strings.Split(list, ",") {
				n, err := strconv.ParseUint(bit, 10, 6)
				if err != nil {
					return 0, fmt.Errorf("invalid partition attribute bit %q", bit)
				}

				bits |= 1 << n
			}
		}
	}

	return bits, nil
}

// CommitArgs returns the sgdisk arguments which write the staged changes of t.
//
// Alignment is disabled so partitions start exactly at their staged sector.
func CommitArgs(t *Table) []string {
	deleted, created := t.Changes()

	args := make([]string, 0, len(deleted)+5*len(created)+2)
	args = append(args, "--set-alignment=1")

	for _, p := range deleted {
		args = append(args, fmt.Sprintf("--delete=%d", p.Number))
	}

	for _, p := range created {
		args = append(args,
			fmt.Sprintf("--new=%d:%d:%d", p.Number, p.Start, p.End()-1),
			fmt.Sprintf("--typecode=%d:%s", p.Number, p.Type),
		)

		if p.UUID != "" {
			args = append(args, fmt.Sprintf("--partition-guid=%d:%s", p.Number, p.UUID))
		}

		if p.Name != "" {
			args = append(args, fmt.Sprintf("--change-name=%d:%s", p.Number, p.Name))
		}

		if p.Attributes != 0 {
			args = append(args, fmt.Sprintf("--attributes=%d:=:%016x", p.Number, p.Attributes))
		}
	}

	return append(args, t.Device)
}

// Commit writes every staged change of t to the disk in a single invocation.
func (tool *Tool) Commit(ctx context.Context, t *Table) error {
	if t.Kind != KindGPT {
		return fmt.Errorf("committing %s partition table on %s: %w", t.Kind, t.Device, errors.ErrUnsupported)
	}

	if !t.Dirty() {
		tool.Logger.Info("partition table unchanged", zap.String("device", t.Device))

		return nil
	}

	if _, err := tool.Runner.Run(ctx, "sgdisk", CommitArgs(t)...); err != nil {
		return fmt.Errorf("error writing partition table of %s: %w", t.Device, err)
	}

	t.markCommitted()

	if _, err := tool.Runner.Run(ctx, "udevadm", "settle"); err != nil {
		tool.Logger.Warn("failed waiting for udev", zap.Error(err))
	}

	tool.LogLayout(t)

	return nil
}

// LogLayout logs the partitions of t.
func (tool *Tool) LogLayout(t *Table) {
	for _, p := range t.Partitions() {
		tool.Logger.Info("partition",
			zap.String("device", t.Device),
			zap.Int("number", p.Number),
			zap.Uint64("start", p.Start),
			zap.Uint64("sectors", p.Size),
			zap.String("size", humanize.IBytes(t.Bytes(p.Size))),
			zap.String("type", TypeName(p.Type)),
		)
	}
}

// SaveBackup writes the raw GPT of device to path.
func (tool *Tool) SaveBackup(ctx context.Context, device, path string) error {
	if _, err := tool.Runner.Run(ctx, "sgdisk", "--backup="+path, device); err != nil {
		return fmt.Errorf("failed to save partition layout of %s: %w", device, err)
	}

	return nil
}
