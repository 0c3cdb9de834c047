// Command ckpe-verify applies the patches to a copy of the editor executable
// mapped in memory and reports which modules would be installed.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/fatih/color"
	"github.com/pgaskin/ckpe/config"
	"github.com/pgaskin/ckpe/engine"
	"github.com/pgaskin/ckpe/module"
	"github.com/pgaskin/ckpe/patches"
	"github.com/pgaskin/ckpe/patchlib"
	"github.com/spf13/pflag"
)

var version = "unknown"

// caveSize is the space available for trampolines, relays, and strings.
const caveSize = 0x100000

func errexit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	os.Exit(1)
}

func main() {
	input := pflag.StringP("input", "i", "", "the editor executable (required)")
	configDir := pflag.StringP("config", "c", "", "the directory containing ckpe.yaml (default: the directory of the input)")
	database := pflag.StringP("database", "d", "", "the relocation database (overrides the config)")
	edition := pflag.StringP("edition", "e", "", "the host edition (overrides the config and identification)")
	verbose := pflag.BoolP("verbose", "v", false, "show debug logs, relocation data, and every change")
	noColor := pflag.Bool("no-color", false, "disable colored output")
	help := pflag.BoolP("help", "h", false, "show this help text")
	pflag.Parse()

	if *help || pflag.NArg() != 0 {
		fmt.Fprintf(os.Stderr, "Usage: ckpe-verify [OPTIONS]\n")
		fmt.Fprintf(os.Stderr, "\nVersion: %s\n\nOptions:\n", version)
		pflag.PrintDefaults()
		os.Exit(1)
	}

	if *input == "" {
		errexit("Error: input flag is required. See --help for more info.\n")
	}
	if *noColor {
		color.NoColor = true
	}
	if *configDir == "" {
		*configDir = filepath.Dir(*input)
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		errexit("Error: could not load config: %v\n", err)
	}
	if *database != "" {
		if cfg.Database.Path, err = filepath.Abs(*database); err != nil {
			errexit("Error: %v\n", err)
		}
	}
	if *edition != "" {
		cfg.Host.Edition = *edition
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log, _, err := engine.NewLogger("", level)
	if err != nil {
		errexit("Error: %v\n", err)
	}

	mem, img, err := patchlib.MapFile(*input, caveSize)
	if err != nil {
		errexit("Error: could not map input file: %v\n", err)
	}
	targets, err := stubTargets(mem, img.Base)
	if err != nil {
		errexit("Error: %v\n", err)
	}

	rep := &report{verbose: *verbose}
	e, err := engine.New(engine.Options{
		Config:  cfg,
		Logger:  log,
		Memory:  mem,
		Image:   img,
		Targets: targets,
		Hook:    rep.record,
	})
	if err != nil {
		errexit("Error: %v\n", err)
	}
	e.Run()

	rep.print(os.Stdout, e)
	for _, h := range e.Manager.Handles() {
		if h.State() == module.Failed {
			os.Exit(1)
		}
	}
}

// stubTargets allocates a RET for every hook target.
func stubTargets(mem patchlib.Memory, near uintptr) (patches.Targets, error) {
	var t patches.Targets
	v := reflect.ValueOf(&t).Elem()
	for i := 0; i < v.NumField(); i++ {
		name := v.Type().Field(i).Name
		addr, err := mem.Alloc(near, 1)
		if err != nil {
			return t, fmt.Errorf("stub %s: %w", name, err)
		}
		if err := mem.Write(addr, []byte{patchlib.OpRet}); err != nil {
			return t, fmt.Errorf("stub %s: %w", name, err)
		}
		v.Field(i).SetUint(uint64(addr))
	}
	return t, nil
}
