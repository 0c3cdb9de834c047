// Command ckpe-mkdb converts a relocation database to the binary format
// shipped with the extension.
package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pgaskin/ckpe/relocdb"
	"github.com/spf13/pflag"
)

var version = "unknown"

func errexit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	os.Exit(1)
}

func main() {
	input := pflag.StringP("input", "i", "", "the database to convert (required)")
	output := pflag.StringP("output", "o", "", "the file to write the relb database to (will be overwritten if exists)")
	format := pflag.StringP("format", "f", "", fmt.Sprintf("the input format (one of: %s) (default: from the extension)", strings.Join(relocdb.GetFormats(), ",")))
	check := pflag.Bool("check", false, "only parse the input and list its contents")
	verbose := pflag.BoolP("verbose", "v", false, "show verbose output from relocdb")
	help := pflag.BoolP("help", "h", false, "show this help text")
	pflag.Parse()

	if *help || pflag.NArg() != 0 {
		fmt.Fprintf(os.Stderr, "Usage: ckpe-mkdb [OPTIONS]\n")
		fmt.Fprintf(os.Stderr, "\nVersion: %s\n\nOptions:\n", version)
		pflag.PrintDefaults()
		os.Exit(1)
	}

	if *input == "" || (*output == "" && !*check) {
		errexit("Error: input and output flags are required. See --help for more info.\n")
	}

	if *verbose {
		relocdb.Log = func(format string, a ...interface{}) {
			fmt.Printf(format, a...)
		}
	}

	t, err := load(*input, *format)
	if err != nil {
		errexit("Error: could not read database: %v\n", err)
	}
	summarize(os.Stdout, t)
	if *check {
		os.Exit(0)
	}

	var buf bytes.Buffer
	if err := relocdb.WriteBinary(&buf, t); err != nil {
		errexit("Error: could not encode database: %v\n", err)
	}
	if err := os.WriteFile(*output, buf.Bytes(), 0644); err != nil {
		errexit("Error: could not write output file: %v\n", err)
	}
	fmt.Printf("Successfully converted '%s' to '%s' (%d bytes)\n", *input, *output, buf.Len())
}

func load(filename, format string) (*relocdb.Table, error) {
	if format == "" {
		return relocdb.Load(filename)
	}
	if _, ok := relocdb.GetFormat(format); !ok {
		return nil, fmt.Errorf("invalid format %s", format)
	}
	return relocdb.ReadFromFile(format, filename)
}

func summarize(w io.Writer, t *relocdb.Table) {
	for _, b := range t.Builds() {
		fmt.Fprintf(w, "%s timestamp=%#x size=%#x\n", b.Identity, b.TimeDateStamp, b.SizeOfImage)
		for _, i := range b.Items() {
			fmt.Fprintf(w, "  %s\n", i)
		}
	}
}
