// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netrename

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jsimonetti/rtnetlink/v2"
)

// Device is a network device present on the host.
type Device struct {
	Name    string
	MAC     string
	BusInfo string
}

// Prober lists the network devices of the host.
type Prober interface {
	Devices(ctx context.Context) ([]Device, error)
}

// NetlinkProber lists links over rtnetlink and finds their bus position in sysfs.
type NetlinkProber struct {
	// SysfsRoot is the sysfs mount, /sys if empty.
	SysfsRoot string
}

// Devices implements Prober.
//
// Links without a backing device, such as bridges and bonds, have no bus position.
func (p *NetlinkProber) Devices(ctx context.Context) ([]Device, error) {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("error dialing rtnetlink: %w", err)
	}

	defer conn.Close() //nolint:errcheck

	links, err := conn.Link.List()
	if err != nil {
		return nil, fmt.Errorf("error listing links: %w", err)
	}

	sysfs := p.SysfsRoot
	if sysfs == "" {
		sysfs = "/sys"
	}

	devices := make([]Device, 0, len(links))

	for _, link := range links {
		if err = ctx.Err(); err != nil {
			return nil, err
		}

		if link.Attributes == nil || link.Attributes.Address == nil {
			continue
		}

		d := Device{
			Name: link.Attributes.Name,
			MAC:  link.Attributes.Address.String(),
		}

		if target, err := os.Readlink(filepath.Join(sysfs, "class", "net", d.Name, "device")); err == nil {
			d.BusInfo = filepath.Base(target)
		}

		devices = append(devices, d)
	}

	return devices, nil
}

// StaticProber returns a fixed device list.
type StaticProber []Device

// Devices implements Prober.
func (s StaticProber) Devices(context.Context) ([]Device, error) {
	return s, nil
}
