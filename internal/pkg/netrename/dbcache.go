// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netrename

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Record is an interface seen by the toolstack, as stored in the network database cache.
type Record struct {
	MAC    string
	Device string
}

// ParseDBCache reads the legacy network database cache.
//
// A line "<MAC>" is followed by the MAC address of an interface and a line
// "<device>" by its name. Records missing either part are skipped.
func ParseDBCache(r io.Reader) ([]Record, error) {
	var (
		records []Record
		pending *Record

		macNext, deviceNext bool
	)

	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case macNext:
			pending = &Record{MAC: strings.ToUpper(line)}
			macNext = false
		case deviceNext:
			if pending != nil {
				pending.Device = line
				records = append(records, *pending)
				pending = nil
			}

			deviceNext = false
		case line == "<MAC>":
			macNext = true
		case line == "<device>":
			deviceNext = true
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading network database cache: %w", err)
	}

	return records, nil
}
