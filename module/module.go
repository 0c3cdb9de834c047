// Package module defines the contract every patch module implements and the
// manager which activates them against a relocation database.
package module

import (
	"errors"
	"fmt"
	"sort"

	"github.com/pgaskin/ckpe/host"
	"github.com/pgaskin/ckpe/patchlib"
	"github.com/pgaskin/ckpe/relocdb"
)

var (
	// ErrUnsupported is wrapped by activation errors for relocation data with
	// an unknown schema version or shape. These are reported as warnings.
	ErrUnsupported = errors.New("unsupported relocation data")

	// ErrCannotShutdown is returned by Shutdown for modules which cannot be
	// reverted.
	ErrCannotShutdown = errors.New("module cannot be disabled at runtime")
)

// Module is a single independent patch.
type Module interface {
	// Name is the unique display name of the module, which is also the key
	// of its relocation data.
	Name() string

	// HasOption returns true if the module can be toggled in the settings
	// under OptionName.
	HasOption() bool
	OptionName() string

	// CanRuntimeDisable returns true if Shutdown reverts the module.
	CanRuntimeDisable() bool

	// Dependencies are the names of other modules which should be active
	// first.
	HasDependencies() bool
	Dependencies() []string

	// Query returns true if the module applies to the host. It must not
	// modify anything.
	Query(h host.Host) bool

	// Activate applies the module. An error wrapping ErrUnsupported means the
	// relocation data is not understood; any other error is a failure.
	Activate(r *patchlib.Relocator, item *relocdb.Item) error

	// Shutdown reverts the module, or returns ErrCannotShutdown.
	Shutdown(r *patchlib.Relocator, item *relocdb.Item) error
}

// Base implements the metadata part of Module. Embed it and implement Query
// and Activate.
type Base struct {
	ModuleName     string
	Option         string
	RuntimeDisable bool
	Deps           []string
}

func (b Base) Name() string            { return b.ModuleName }
func (b Base) HasOption() bool         { return b.Option != "" }
func (b Base) OptionName() string      { return b.Option }
func (b Base) CanRuntimeDisable() bool { return b.RuntimeDisable }
func (b Base) HasDependencies() bool   { return len(b.Deps) != 0 }

func (b Base) Dependencies() []string {
	return append([]string(nil), b.Deps...)
}

// Shutdown returns ErrCannotShutdown.
func (b Base) Shutdown(*patchlib.Relocator, *relocdb.Item) error {
	return ErrCannotShutdown
}

// ActivateFunc applies one schema version of a module.
type ActivateFunc func(r *patchlib.Relocator, item *relocdb.Item) error

// Variant is the activation logic for one schema version.
type Variant struct {
	// Addresses is the minimum number of addresses the item must have.
	Addresses int
	Activate  ActivateFunc
}

// Variants selects activation logic by the relocation item's schema version.
type Variants map[uint32]Variant

// Activate runs the variant for item.Version().
func (v Variants) Activate(r *patchlib.Relocator, item *relocdb.Item) error {
	fn, ok := v[item.Version()]
	if !ok || fn.Activate == nil {
		return fmt.Errorf("%w: schema version %d (known: %v)", ErrUnsupported, item.Version(), v.Versions())
	}
	if err := item.Require(fn.Addresses); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return fn.Activate(r, item)
}

// Versions returns the known schema versions in order.
func (v Variants) Versions() []uint32 {
	vs := make([]uint32, 0, len(v))
	for n := range v {
		vs = append(vs, n)
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })
	return vs
}
