package main

import (
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"
	"github.com/fatih/color"
	"github.com/pgaskin/ckpe/engine"
	"github.com/pgaskin/ckpe/module"
)

type change struct {
	addr     uintptr
	old, new []byte
}

type report struct {
	verbose bool
	changes []change
}

func (r *report) record(addr uintptr, old, new []byte) error {
	r.changes = append(r.changes, change{addr, old, new})
	return nil
}

func (r *report) print(w io.Writer, e *engine.Engine) {
	bold := color.New(color.FgCyan, color.Bold)
	bold.Fprintf(w, "ckpe-verify %s\n\n", version)

	fmt.Fprintf(w, "  %-10s: %s\n", "host", e.Host.Identity)
	fmt.Fprintf(w, "  %-10s: %s\n", "os", e.Host.OS)
	fmt.Fprintf(w, "  %-10s: %s\n", "cpu", e.Host.CPU.Brand)
	fmt.Fprintf(w, "  %-10s: %d\n", "changes", len(r.changes))

	bold.Fprintf(w, "\nModules\n")
	handles := append(e.Manager.Handles(), e.Manager.Pruned()...)
	for _, h := range handles {
		fmt.Fprintf(w, "  %-28s ", h.Name())
		stateColor(h.State()).Fprintf(w, "%-12s", h.State())
		if item := h.Item(); item != nil && !item.Empty() {
			fmt.Fprintf(w, " v%d", item.Version())
		}
		if err := h.Err(); err != nil {
			fmt.Fprintf(w, " %v", err)
		}
		fmt.Fprintln(w)
		if r.verbose && h.Item() != nil {
			spew.Fdump(w, h.Item().RVAs())
		}
	}

	if r.verbose && len(r.changes) != 0 {
		bold.Fprintf(w, "\nChanges\n")
		for _, c := range r.changes {
			fmt.Fprintf(w, "  %#x: % X -> % X\n", c.addr, c.old, c.new)
		}
	}
	fmt.Fprintf(w, "\n%d of %d modules installed\n", e.Manager.Installed(), len(handles))
}

func stateColor(s module.State) *color.Color {
	switch s {
	case module.Active:
		return color.New(color.FgGreen)
	case module.Failed:
		return color.New(color.FgRed, color.Bold)
	case module.Unsupported, module.Skipped:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgHiBlack)
	}
}
