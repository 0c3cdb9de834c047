//go:build windows

// Command ckpe is the extension loaded into the editor. It is built with
// -buildmode=c-shared, and the loader calls CKPEAttach once the editor's
// image is mapped.
package main

import "C"

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pgaskin/ckpe/config"
	"github.com/pgaskin/ckpe/engine"
	"github.com/pgaskin/ckpe/patches"
	"github.com/pgaskin/ckpe/patchlib"
	"github.com/sirupsen/logrus"
)

var version = "unknown"

var (
	mu     sync.Mutex
	eng    *engine.Engine
	closer io.Closer
)

// CKPEAttach patches the editor. It returns the number of active modules, or
// -1 if the extension could not start.
//
//export CKPEAttach
func CKPEAttach() C.int {
	mu.Lock()
	defer mu.Unlock()
	if eng != nil {
		return C.int(eng.Manager.Installed())
	}

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ckpe: %v\n", err)
		return -1
	}
	dir := filepath.Dir(exe)

	cfg, err := config.Load(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ckpe: %v\n", err)
		return -1
	}

	var log *logrus.Logger
	log, closer, err = engine.NewLogger(cfg.Resolve(cfg.Log.Path), cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ckpe: %v\n", err)
		return -1
	}
	log.Infof("ckpe %s", version)

	n, err := attach(cfg, log)
	if err != nil {
		log.WithError(err).Error("Could not start")
		return -1
	}
	return C.int(n)
}

func attach(cfg *config.Config, log *logrus.Logger) (int, error) {
	mem, err := patchlib.NewProcessMemory()
	if err != nil {
		return 0, err
	}
	base, err := patchlib.ModuleBase()
	if err != nil {
		return 0, err
	}
	img, err := patchlib.ParseImage(mem, base)
	if err != nil {
		return 0, err
	}

	e, err := engine.New(engine.Options{
		Config:  cfg,
		Logger:  log,
		Memory:  mem,
		Image:   img,
		Patches: patches.Native,
	})
	if err != nil {
		return 0, err
	}
	eng = e
	return e.Run(), nil
}

// CKPEDetach reverts what can be reverted and closes the log.
//
//export CKPEDetach
func CKPEDetach() {
	mu.Lock()
	defer mu.Unlock()
	if eng != nil {
		eng.Shutdown()
	}
	if closer != nil {
		closer.Close()
	}
}

func main() {}
