package module

import (
	"errors"
	"fmt"
	"io/ioutil"
	"strings"
	"sync"

	"github.com/pgaskin/ckpe/host"
	"github.com/pgaskin/ckpe/patchlib"
	"github.com/pgaskin/ckpe/relocdb"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a registered module.
type State int

const (
	Registered  State = iota // appended, not queried yet
	Eligible                 // accepted by QueryAll
	Filtered                 // excluded by the filter or its option
	Rejected                 // Query returned false
	Skipped                  // no relocation data for the host
	Active                   // activated
	Failed                   // Activate returned an error
	Unsupported              // Activate did not understand the relocation data
	Shutdown                 // reverted by ShutdownAll
)

func (s State) String() string {
	switch s {
	case Registered:
		return "registered"
	case Eligible:
		return "eligible"
	case Filtered:
		return "filtered"
	case Rejected:
		return "rejected"
	case Skipped:
		return "skipped"
	case Active:
		return "active"
	case Failed:
		return "failed"
	case Unsupported:
		return "unsupported"
	case Shutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handle is the manager's record of a module.
type Handle struct {
	m     Module
	state State
	err   error
	item  *relocdb.Item
}

func (h *Handle) Module() Module      { return h.m }
func (h *Handle) Name() string        { return h.m.Name() }
func (h *Handle) State() State        { return h.state }
func (h *Handle) HasActive() bool     { return h.state == Active }
func (h *Handle) Err() error          { return h.err }
func (h *Handle) Item() *relocdb.Item { return h.item }

// Options configures a Manager.
type Options struct {
	Logger    *logrus.Logger
	Database  *relocdb.Database
	Relocator *patchlib.Relocator
	Host      host.Host
	Filter    Filter

	// Enabled resolves a module's option. If it returns false for ok, or is
	// nil, the module is enabled.
	Enabled func(option string) (enabled, ok bool)
}

// Manager is the registry of modules and drives their activation.
type Manager struct {
	mu        sync.Mutex
	opts      Options
	log       *logrus.Logger
	handles   []*Handle
	index     map[string]*Handle
	pruned    []*Handle
	activated []*Handle
}

// NewManager creates an empty Manager.
func NewManager(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = logrus.New()
		log.Out = ioutil.Discard
	}
	if opts.Filter == nil {
		opts.Filter = Filter{}
	}
	return &Manager{
		opts:  opts,
		log:   log,
		index: map[string]*Handle{},
	}
}

// Append registers a module. It returns false if the module is nil, unnamed,
// or has the same name as a registered module.
func (m *Manager) Append(mod Module) bool {
	if mod == nil {
		return false
	}
	name := mod.Name()
	if name == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := strings.ToLower(name)
	if _, ok := m.index[k]; ok {
		m.log.Warnf("Duplicate module %#v was not registered", name)
		return false
	}
	h := &Handle{m: mod, item: relocdb.EmptyItem}
	m.handles = append(m.handles, h)
	m.index[k] = h
	return true
}

// Has returns true if a module is registered under name.
func (m *Manager) Has(name string) bool {
	return m.GetByName(name) != nil
}

// GetByName returns the handle for a registered module, or nil.
func (m *Manager) GetByName(name string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index[strings.ToLower(name)]
}

// Remove unregisters a module. It returns false if it was not registered.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := strings.ToLower(name)
	if _, ok := m.index[k]; !ok {
		return false
	}
	m.erase(map[string]bool{k: true})
	return true
}

// Clear unregisters every module.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles = nil
	m.index = map[string]*Handle{}
	m.activated = nil
}

// Len returns the number of registered modules.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Handles returns the registered modules in registration order.
func (m *Manager) Handles() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Handle(nil), m.handles...)
}

// Pruned returns the modules removed by QueryAll.
func (m *Manager) Pruned() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Handle(nil), m.pruned...)
}

// Installed returns the number of active modules.
func (m *Manager) Installed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, h := range m.handles {
		if h.HasActive() {
			n++
		}
	}
	return n
}

// QueryAll removes every module which is excluded by the filter, disabled by
// its option, or does not apply to the host. It returns the number of
// modules removed.
func (m *Manager) QueryAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	marked := map[string]bool{}
	for _, h := range m.handles {
		if h.state != Registered {
			continue
		}
		name := h.Name()
		switch {
		case m.opts.Filter.Has(name):
			m.log.Warnf("The patch \"%s\" exists in list exclude. Skip.", name)
			h.state = Filtered
		case !m.optionEnabled(h.m):
			m.log.Infof("The patch \"%s\" is disabled by option %s. Skip.", name, h.m.OptionName())
			h.state = Filtered
		case !h.m.Query(m.opts.Host):
			m.log.Debugf("The patch \"%s\" does not apply to %s", name, m.opts.Host.Identity)
			h.state = Rejected
		default:
			h.state = Eligible
			continue
		}
		marked[strings.ToLower(name)] = true
	}

	m.erase(marked)
	return len(marked)
}

func (m *Manager) optionEnabled(mod Module) bool {
	if !mod.HasOption() || m.opts.Enabled == nil {
		return true
	}
	if enabled, ok := m.opts.Enabled(mod.OptionName()); ok {
		return enabled
	}
	return true
}

// erase removes the marked (lowercase) names while keeping order. The lock
// must be held.
func (m *Manager) erase(marked map[string]bool) {
	if len(marked) == 0 {
		return
	}
	kept := m.handles[:0]
	for _, h := range m.handles {
		k := strings.ToLower(h.Name())
		if marked[k] {
			delete(m.index, k)
			m.pruned = append(m.pruned, h)
			continue
		}
		kept = append(kept, h)
	}
	for i := len(kept); i < len(m.handles); i++ {
		m.handles[i] = nil
	}
	m.handles = kept
}

// EnableAll activates every registered module which has relocation data for
// the host, in dependency order. Failures are logged and do not affect other
// modules. It returns the number of active modules.
//
// A *patchlib.ProtectError panic is not recovered.
func (m *Manager) EnableAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range m.order() {
		if h.state != Registered && h.state != Eligible {
			continue
		}
		name := h.Name()

		for _, dep := range h.m.Dependencies() {
			if d, ok := m.index[strings.ToLower(dep)]; ok && !d.HasActive() {
				m.log.Warnf("The patch \"%s\" depends on \"%s\", which is not active (%s)", name, d.Name(), d.state)
			}
		}

		item := m.opts.Database.GetByName(name)
		if item.Empty() {
			m.log.Warnf("No patch data was found in the database: \"%s\"", name)
			h.state = Skipped
			continue
		}
		h.item = item

		switch err := m.activate(h.m, item); {
		case err == nil:
			m.log.Infof("Installed \"%s\" (version %d)", name, item.Version())
			h.state, h.err = Active, nil
			m.activated = append(m.activated, h)
		case errors.Is(err, ErrUnsupported):
			m.log.Warnf("The patch \"%s\" was not installed: %v", name, err)
			h.state, h.err = Unsupported, err
		default:
			m.log.Errorf("The patch \"%s\" failed to install: %v", name, err)
			h.state, h.err = Failed, err
		}
	}

	var n int
	for _, h := range m.handles {
		if h.HasActive() {
			n++
		}
	}
	m.log.Infof("Modules installed: %d from %d", n, len(m.handles))
	return n
}

// activate contains panics from a module, except for memory protection
// failures.
func (m *Manager) activate(mod Module, item *relocdb.Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if pe, ok := r.(*patchlib.ProtectError); ok {
				panic(pe)
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return mod.Activate(m.opts.Relocator, item)
}

// ShutdownAll reverts every active module which supports it, in the reverse
// order of activation. It returns the number of modules reverted.
func (m *Manager) ShutdownAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for i := len(m.activated) - 1; i >= 0; i-- {
		h := m.activated[i]
		if h.state != Active || !h.m.CanRuntimeDisable() {
			continue
		}
		switch err := h.m.Shutdown(m.opts.Relocator, h.item); {
		case err == nil:
			m.log.Infof("Disabled \"%s\"", h.Name())
			h.state = Shutdown
			n++
		case errors.Is(err, ErrCannotShutdown):
			m.log.Debugf("The patch \"%s\" cannot be disabled", h.Name())
		default:
			m.log.Errorf("The patch \"%s\" failed to disable: %v", h.Name(), err)
			h.err = err
		}
	}
	m.activated = nil
	return n
}
