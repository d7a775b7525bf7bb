// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netrename

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

const staticHeader = `# Static rules.  Autogenerated by the installer from either the answerfile or from user input.
# Lines starting with a '#' are comments and will be ignored.  Other lines take the form
#   <target name>: <method> = "<value>"
# where method is one of mac, pci, ppn or label.
`

const dynamicHeader = `# Automatically adjusted file.  Do not edit unless you are certain you know how to
`

// StaticRule pins an interface name to a device property.
type StaticRule struct {
	Name   string
	Method string
	Value  string
}

// StaticRules are the administrator-defined naming rules.
type StaticRules struct {
	Rules []StaticRule
}

// Bytes renders the rules file.
func (s StaticRules) Bytes() []byte {
	var buf bytes.Buffer

	buf.WriteString(staticHeader)

	for _, r := range s.Rules {
		fmt.Fprintf(&buf, "%s: %s = %q\n", r.Name, r.Method, r.Value)
	}

	return buf.Bytes()
}

// Save writes the rules to path.
func (s StaticRules) Save(path string) error {
	return save(path, s.Bytes())
}

// DynamicRule is the last known [MAC, bus position, name] of a device.
type DynamicRule [3]string

// DynamicRules are the naming observations of the previous boot.
type DynamicRules struct {
	LastBoot []DynamicRule `json:"lastboot"`
	Old      []DynamicRule `json:"old"`
}

// Bytes renders the rules file.
func (d DynamicRules) Bytes() ([]byte, error) {
	if d.LastBoot == nil {
		d.LastBoot = []DynamicRule{}
	}

	if d.Old == nil {
		d.Old = []DynamicRule{}
	}

	body, err := json.MarshalIndent(d, "", "    ")
	if err != nil {
		return nil, err
	}

	return append(append([]byte(dynamicHeader), body...), '\n'), nil
}

// Save writes the rules to path.
func (d DynamicRules) Save(path string) error {
	b, err := d.Bytes()
	if err != nil {
		return fmt.Errorf("error encoding dynamic rules: %w", err)
	}

	return save(path, b)
}

var legacyPortRe = regexp.MustCompile(`pci([0-9]+p[0-9]+)`)

// ConvertLegacyPorts rewrites old style "pciNpM" port references of a static rules file as "pNpM".
func ConvertLegacyPorts(path string) (bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}

	converted := legacyPortRe.ReplaceAll(b, []byte("p$1"))
	if bytes.Equal(converted, b) {
		return false, nil
	}

	st, err := os.Stat(path)
	if err != nil {
		return false, err
	}

	return true, os.WriteFile(path, converted, st.Mode().Perm())
}

func save(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		return err
	}

	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}

	return nil
}
