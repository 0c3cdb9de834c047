// Package relocdb reads relocation databases, which map patch module names to
// the addresses they operate on for each known editor build.
package relocdb

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pgaskin/ckpe/host"
	"github.com/pgaskin/ckpe/patchlib"
)

// Log is used to log debugging messages.
var Log = func(format string, a ...interface{}) {}

// Item is the relocation data of one module for one build. A zero Version or
// an empty address list means there is no data.
type Item struct {
	name    string
	version uint32
	rvas    []patchlib.RVA
}

// EmptyItem is returned for every lookup which has no data.
var EmptyItem = &Item{}

// NewItem creates an Item. The name must be non-empty.
func NewItem(name string, version uint32, rvas ...patchlib.RVA) *Item {
	return &Item{
		name:    name,
		version: version,
		rvas:    append([]patchlib.RVA(nil), rvas...),
	}
}

// Name returns the module name the item was stored under.
func (i *Item) Name() string {
	return i.name
}

// Version returns the schema version of the address list.
func (i *Item) Version() uint32 {
	return i.version
}

// Count returns the number of addresses.
func (i *Item) Count() int {
	return len(i.rvas)
}

// At returns the i'th address. It panics if i is out of range; use Require
// first.
func (i *Item) At(n int) patchlib.RVA {
	return i.rvas[n]
}

// RVAs returns a copy of the addresses.
func (i *Item) RVAs() []patchlib.RVA {
	return append([]patchlib.RVA(nil), i.rvas...)
}

// Empty returns true if the item carries no usable data.
func (i *Item) Empty() bool {
	return i == nil || i.version == 0 || len(i.rvas) == 0
}

// Require returns an error if the item has fewer than n addresses.
func (i *Item) Require(n int) error {
	if i.Count() < n {
		return fmt.Errorf("relocation data for %#v (version %d) has %d addresses, need at least %d", i.name, i.version, i.Count(), n)
	}
	return nil
}

func (i *Item) String() string {
	if i.Empty() {
		return "(empty)"
	}
	rvas := make([]string, len(i.rvas))
	for n, rva := range i.rvas {
		rvas[n] = rva.String()
	}
	return fmt.Sprintf("%s v%d [%s]", i.name, i.version, strings.Join(rvas, " "))
}

// Build is the relocation data for one editor build.
type Build struct {
	Identity host.Identity
	// TimeDateStamp and SizeOfImage are taken from the executable's PE
	// headers and identify the build at runtime. Zero means unknown.
	TimeDateStamp uint32
	SizeOfImage   uint32

	items map[string]*Item
	order []string
}

// NewBuild creates an empty Build.
func NewBuild(id host.Identity, timeDateStamp, sizeOfImage uint32) *Build {
	return &Build{
		Identity:      id,
		TimeDateStamp: timeDateStamp,
		SizeOfImage:   sizeOfImage,
		items:         map[string]*Item{},
	}
}

// Add adds an item. Names are case-insensitive and must be unique.
func (b *Build) Add(item *Item) error {
	if item == nil || item.name == "" {
		return fmt.Errorf("add item to %s: missing name", b.Identity)
	}
	k := strings.ToLower(item.name)
	if _, ok := b.items[k]; ok {
		return fmt.Errorf("add item to %s: duplicate module %#v", b.Identity, item.name)
	}
	if b.items == nil {
		b.items = map[string]*Item{}
	}
	b.items[k] = item
	b.order = append(b.order, k)
	return nil
}

// Item gets an item by name, or EmptyItem.
func (b *Build) Item(name string) *Item {
	if b == nil {
		return EmptyItem
	}
	if i, ok := b.items[strings.ToLower(name)]; ok {
		return i
	}
	return EmptyItem
}

// Items returns the items in the order they were added.
func (b *Build) Items() []*Item {
	items := make([]*Item, len(b.order))
	for n, k := range b.order {
		items[n] = b.items[k]
	}
	return items
}

// Table holds every build described by a database file.
type Table struct {
	builds []*Build
}

// Add adds a build. Each identity may only appear once, as may each pair of
// non-zero identification keys.
func (t *Table) Add(b *Build) error {
	if !b.Identity.Edition.Known() {
		return fmt.Errorf("add build: unknown edition")
	}
	for _, o := range t.builds {
		if o.Identity == b.Identity {
			return fmt.Errorf("add build: duplicate build %s", b.Identity)
		}
		if b.TimeDateStamp != 0 && o.TimeDateStamp == b.TimeDateStamp && o.SizeOfImage == b.SizeOfImage {
			return fmt.Errorf("add build: %s and %s have the same identification keys", o.Identity, b.Identity)
		}
	}
	t.builds = append(t.builds, b)
	return nil
}

// Builds returns the builds sorted by edition, then build string.
func (t *Table) Builds() []*Build {
	bs := append([]*Build(nil), t.builds...)
	sort.SliceStable(bs, func(i, j int) bool {
		if bs[i].Identity.Edition != bs[j].Identity.Edition {
			return bs[i].Identity.Edition < bs[j].Identity.Edition
		}
		return bs[i].Identity.Build < bs[j].Identity.Build
	})
	return bs
}

// Identify finds the build with the specified PE header values. A build with
// a zero SizeOfImage matches on the timestamp alone.
func (t *Table) Identify(timeDateStamp, sizeOfImage uint32) (*Build, bool) {
	for _, b := range t.builds {
		if b.TimeDateStamp == 0 || b.TimeDateStamp != timeDateStamp {
			continue
		}
		if b.SizeOfImage != 0 && b.SizeOfImage != sizeOfImage {
			continue
		}
		Log("identified %s from timestamp %#x size %#x\n", b.Identity, timeDateStamp, sizeOfImage)
		return b, true
	}
	return nil, false
}

// Lookup finds the build for an identity. An empty build string matches the
// first build of the edition.
func (t *Table) Lookup(id host.Identity) (*Build, bool) {
	for _, b := range t.builds {
		if b.Identity.Edition != id.Edition {
			continue
		}
		if id.Build == "" || strings.EqualFold(id.Build, b.Identity.Build) {
			return b, true
		}
	}
	return nil, false
}

// Database scopes the table to one identity. If the table has no build for
// it, every lookup in the returned database is empty.
func (t *Table) Database(id host.Identity) *Database {
	b, _ := t.Lookup(id)
	return &Database{build: b}
}

// Database answers lookups for the running build.
type Database struct {
	build *Build
}

// NewDatabase creates a database for a single build, which may be nil.
func NewDatabase(b *Build) *Database {
	return &Database{build: b}
}

// Build returns the selected build, or nil.
func (d *Database) Build() *Build {
	if d == nil {
		return nil
	}
	return d.build
}

// GetByName looks up a module's item case-insensitively. It never returns
// nil.
func (d *Database) GetByName(name string) *Item {
	return d.Build().Item(name)
}
