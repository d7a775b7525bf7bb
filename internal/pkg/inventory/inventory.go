// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package inventory reads the flat key=value files persisted by an installation.
package inventory

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-envparse"
)

// ErrKeyNotFound is returned when a key is absent from the inventory.
var ErrKeyNotFound = errors.New("key not found")

// Inventory is an immutable key=value store.
type Inventory struct {
	values map[string]string
}

// New builds an inventory from a map, which is copied.
func New(values map[string]string) Inventory {
	inv := Inventory{values: make(map[string]string, len(values))}

	for k, v := range values {
		inv.values[k] = v
	}

	return inv
}

// Parse reads key=value pairs, with optional shell quoting.
func Parse(r io.Reader) (Inventory, error) {
	values, err := envparse.Parse(r)
	if err != nil {
		return Inventory{}, fmt.Errorf("error parsing inventory: %w", err)
	}

	return Inventory{values: values}, nil
}

// ReadFile parses the file at path.
func ReadFile(path string) (Inventory, error) {
	f, err := os.Open(path)
	if err != nil {
		return Inventory{}, err
	}

	defer f.Close() //nolint:errcheck

	inv, err := Parse(f)
	if err != nil {
		return Inventory{}, fmt.Errorf("%s: %w", path, err)
	}

	return inv, nil
}

// Get returns the value of key.
func (inv Inventory) Get(key string) (string, error) {
	v, ok := inv.values[key]
	if !ok {
		return "", fmt.Errorf("%q: %w", key, ErrKeyNotFound)
	}

	return v, nil
}

// Lookup returns the value of key and whether it is present.
func (inv Inventory) Lookup(key string) (string, bool) {
	v, ok := inv.values[key]

	return v, ok
}

// Len returns the number of keys.
func (inv Inventory) Len() int {
	return len(inv.values)
}
