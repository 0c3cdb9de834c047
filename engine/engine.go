// Package engine wires the relocation database, the module manager, and the
// patch modules together for one host image.
package engine

import (
	"errors"
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/pgaskin/ckpe/config"
	"github.com/pgaskin/ckpe/host"
	"github.com/pgaskin/ckpe/module"
	"github.com/pgaskin/ckpe/patches"
	"github.com/pgaskin/ckpe/patchlib"
	"github.com/pgaskin/ckpe/relocdb"
	"github.com/sirupsen/logrus"
)

// ErrUnknownHost is returned when the image isn't in the relocation database
// and no identity is configured.
var ErrUnknownHost = errors.New("unknown host image")

// Options configures an Engine.
type Options struct {
	Config *config.Config
	Logger *logrus.Logger

	// Memory and Image are the loaded host image to patch.
	Memory patchlib.Memory
	Image  *patchlib.Image

	// Patches creates the modules. It defaults to patches.New, which is only
	// useful with explicit Targets.
	Patches func(patches.Options) (*patches.Set, error)
	// Targets are passed to patches.New when Patches is nil.
	Targets patches.Targets

	// Hook, if set, is called before every change to the image.
	Hook func(addr uintptr, old, new []byte) error
}

// Engine is the extension attached to one host image.
type Engine struct {
	Config    *config.Config
	Log       *logrus.Logger
	Table     *relocdb.Table
	Host      host.Host
	Relocator *patchlib.Relocator
	Manager   *module.Manager
	Patches   *patches.Set
}

// New loads the relocation database, identifies the host, and registers
// every module. Nothing is patched until Run.
func New(opts Options) (*Engine, error) {
	if opts.Memory == nil || opts.Image == nil {
		return nil, errors.New("no host image")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.New()
		log.Out = ioutil.Discard
	}

	e := &Engine{Config: cfg, Log: log}
	relocdb.Log = debugf(log, "relocdb")
	patchlib.Log = debugf(log, "patchlib")

	dbPath := cfg.Resolve(cfg.Database.Path)
	table, err := relocdb.Load(dbPath)
	if err != nil {
		return nil, fmt.Errorf("load relocation database %s: %w", dbPath, err)
	}
	e.Table = table
	log.Infof("Loaded relocation database %s (%d builds)", dbPath, len(table.Builds()))

	id, err := e.identify(opts.Image)
	if err != nil {
		return nil, err
	}
	e.Host = host.Detect(id)
	log.Infof("Host: %s", e.Host.Identity)
	log.Infof("OS: %s", e.Host.OS)
	log.WithFields(logrus.Fields{
		"vendor": e.Host.CPU.Vendor,
		"cores":  e.Host.CPU.Cores,
		"vm":     e.Host.CPU.VM(),
	}).Infof("CPU: %s", e.Host.CPU.Brand)

	filterPath := cfg.Resolve(cfg.Filter.Path)
	filter, err := module.LoadFilter(filterPath)
	if err != nil {
		return nil, fmt.Errorf("load filter %s: %w", filterPath, err)
	}

	e.Relocator = patchlib.NewRelocator(opts.Memory, opts.Image)
	if opts.Hook != nil {
		e.Relocator.Hook(opts.Hook)
	}

	popts := patches.Options{
		Targets: opts.Targets,
		Host:    e.Host,
		Memory:  opts.Memory,
		Option:  cfg.Option,
	}
	if opts.Patches != nil {
		e.Patches, err = opts.Patches(popts)
		if err != nil {
			return nil, fmt.Errorf("create patches: %w", err)
		}
	} else {
		e.Patches = patches.New(popts)
	}

	e.Manager = module.NewManager(module.Options{
		Logger:    log,
		Database:  table.Database(id),
		Relocator: e.Relocator,
		Host:      e.Host,
		Filter:    filter,
		Enabled:   cfg.Enabled,
	})
	for _, m := range e.Patches.Modules() {
		if !e.Manager.Append(m) {
			log.Warnf("The patch \"%s\" is already registered", m.Name())
		}
	}
	return e, nil
}

// identify uses the configured identity if there is one, or looks the image
// up in the relocation database.
func (e *Engine) identify(img *patchlib.Image) (host.Identity, error) {
	id, ok, err := e.Config.HostOverride()
	if err != nil {
		return host.Identity{}, err
	}
	if ok {
		if _, found := e.Table.Lookup(id); !found {
			e.Log.Warnf("The configured host %s is not in the relocation database", id)
		}
		return id, nil
	}
	b, ok := e.Table.Identify(img.TimeDateStamp, img.SizeOfImage)
	if !ok {
		return host.Identity{}, fmt.Errorf("%w (timestamp %#x, size %#x)", ErrUnknownHost, img.TimeDateStamp, img.SizeOfImage)
	}
	return b.Identity, nil
}

// Run removes the modules which don't apply and activates the rest. It
// returns the number of active modules.
func (e *Engine) Run() int {
	e.Manager.QueryAll()
	return e.Manager.EnableAll()
}

// Shutdown reverts the active modules which support it.
func (e *Engine) Shutdown() int {
	return e.Manager.ShutdownAll()
}

func debugf(log *logrus.Logger, component string) func(string, ...interface{}) {
	entry := log.WithField("component", component)
	return func(format string, a ...interface{}) {
		entry.Debugf(strings.TrimSuffix(format, "\n"), a...)
	}
}
