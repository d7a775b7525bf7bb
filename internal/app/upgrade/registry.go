// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package upgrade

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/blang/semver/v4"
	"github.com/siderolabs/gen/xslices"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no upgrader handles an installation.
var ErrNotFound = errors.New("no upgrader found")

// VersionRange is an inclusive range of versions.
type VersionRange struct {
	Min semver.Version
	Max semver.Version
}

// Contains reports whether v is within the range.
func (r VersionRange) Contains(v semver.Version) bool {
	return v.GTE(r.Min) && v.LTE(r.Max)
}

// Constructor builds an upgrader for src.
type Constructor func(ctx context.Context, env Env, src *ExistingInstallation) (Upgrader, error)

// Registration describes the installations an upgrader handles.
type Registration struct {
	Name     string
	Product  string
	Variants []string
	Versions []VersionRange
	New      Constructor
}

// Upgrades reports whether the registration handles the product version and variant.
func (r *Registration) Upgrades(product string, version semver.Version, variant string) bool {
	if r.Product != product || !slices.Contains(r.Variants, variant) {
		return false
	}

	return slices.ContainsFunc(r.Versions, func(vr VersionRange) bool { return vr.Contains(version) })
}

// Registry is the list of upgraders in preference order.
type Registry struct {
	registrations []Registration
}

// NewRegistry returns a Registry trying registrations in the given order.
func NewRegistry(registrations ...Registration) *Registry {
	return &Registry{registrations: registrations}
}

// DefaultRegistry returns the upgraders shipped with this platform.
func DefaultRegistry() *Registry {
	return NewRegistry(ThirdGenRegistration())
}

// Has reports whether an upgrader handles the installation.
func (r *Registry) Has(product string, version semver.Version, variant string) bool {
	_, err := r.Get(product, version, variant)

	return err == nil
}

// Get returns the first registration handling the installation.
func (r *Registry) Get(product string, version semver.Version, variant string) (*Registration, error) {
	for i := range r.registrations {
		if r.registrations[i].Upgrades(product, version, variant) {
			return &r.registrations[i], nil
		}
	}

	return nil, fmt.Errorf("%w for %s %s (%s)", ErrNotFound, product, version, variant)
}

// NewUpgrader builds the upgrader of src.
func (r *Registry) NewUpgrader(ctx context.Context, env Env, src *ExistingInstallation) (Upgrader, error) {
	reg, err := r.Get(src.Name, src.Version, src.Variant)
	if err != nil {
		return nil, err
	}

	env.Logger.Info("selected upgrader", zap.String("upgrader", reg.Name), zap.Stringer("installation", src))

	return reg.New(ctx, env, src)
}

// FilterUpgradeable returns the installations that are upgradeable and have an upgrader.
func (r *Registry) FilterUpgradeable(installs []*ExistingInstallation) []*ExistingInstallation {
	return xslices.Filter(installs, func(i *ExistingInstallation) bool {
		return i.Upgradeable && r.Has(i.Name, i.Version, i.Variant)
	})
}
