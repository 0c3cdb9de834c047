// Command ckpe-scan dumps the identification keys of an editor executable
// and the RVAs matching byte patterns, for writing relocation databases.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pgaskin/ckpe/patchlib"
)

type scan struct {
	TimeDateStamp string   `json:"timeDateStamp"`
	SizeOfImage   string   `json:"sizeOfImage"`
	Patterns      []result `json:"patterns"`
}

type result struct {
	Pattern string   `json:"pattern"`
	RVAs    []string `json:"rvas"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "ckpe-scan dumps the identification keys of a PE32+ executable and the RVAs matching byte patterns")
		fmt.Fprintln(os.Stderr, "Usage: ckpe-scan BINARY_FILE [PATTERN...]")
		os.Exit(1)
	}

	mem, img, err := patchlib.MapFile(os.Args[1], 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := run(os.Stdout, patchlib.NewRelocator(mem, img), os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(w io.Writer, r *patchlib.Relocator, patterns []string) error {
	s := scan{
		TimeDateStamp: fmt.Sprintf("0x%X", r.Image().TimeDateStamp),
		SizeOfImage:   fmt.Sprintf("0x%X", r.Image().SizeOfImage),
		Patterns:      []result{},
	}
	for _, p := range patterns {
		addrs, err := r.FindPattern("", p)
		if err != nil {
			return err
		}
		res := result{Pattern: p, RVAs: []string{}}
		for _, a := range addrs {
			res.RVAs = append(res.RVAs, r.Off2Rav(a).String())
		}
		s.Patterns = append(s.Patterns, res)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
