// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package partition models partition tables and stages changes to them.
package partition

import (
	"fmt"
	"strings"

	"github.com/siderolabs/go-blockdevice/v2/partitioning"
)

// Kind is the partition table format.
type Kind string

// Partition table formats.
const (
	KindGPT Kind = "gpt"
	KindDOS Kind = "dos"
)

// GPT partition type GUIDs.
const (
	TypeLinux    = "0FC63DAF-8483-4772-8E79-3D69D8477DE4"
	TypeEFI      = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
	TypeBIOSBoot = "21686148-6449-6E6F-744E-656564454649"
	TypeSwap     = "0657FD6D-A4AB-43C4-84E5-0933C84B4F4F"
	TypeLVM      = "E6D6D379-F507-44C2-A23C-238F2A3DF928"
)

// TypeName returns a readable name of a partition type.
func TypeName(t string) string {
	switch strings.ToUpper(t) {
	case TypeLinux:
		return "linux"
	case TypeEFI:
		return "efi"
	case TypeBIOSBoot:
		return "bios-boot"
	case TypeSwap:
		return "swap"
	case TypeLVM:
		return "lvm"
	default:
		return t
	}
}

// Partition is a single entry of a partition table.
//
// Start and Size are in sectors.
type Partition struct {
	Number int
	Type   string
	Start  uint64
	Size   uint64
	Name   string
	UUID   string

	// Attributes are the GPT attribute bits.
	Attributes uint64
}

// End returns the first sector after the partition.
func (p Partition) End() uint64 {
	return p.Start + p.Size
}

// DevName returns the device node of partition number on device.
func DevName(device string, number int) string {
	if strings.HasPrefix(device, "/dev/disk/by-") {
		return fmt.Sprintf("%s-part%d", device, number)
	}

	return partitioning.DevName(device, uint(number))
}
