package relocdb

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xi2/xz"
)

// Format parses a Table from a buffer.
type Format func([]byte) (*Table, error)

var formats = map[string]Format{}

// RegisterFormat registers a format.
func RegisterFormat(name string, f Format) {
	if _, ok := formats[name]; ok {
		panic("attempt to register duplicate format " + name)
	}
	formats[name] = f
}

// GetFormat gets a format.
func GetFormat(name string) (Format, bool) {
	f, ok := formats[name]
	return f, ok
}

// GetFormats gets all registered formats.
func GetFormats() []string {
	f := []string{}
	for n := range formats {
		f = append(f, n)
	}
	sort.Strings(f)
	return f
}

// ReadFromFile reads a table from a file. Files ending in .xz are decompressed
// first.
func ReadFromFile(format, filename string) (*Table, error) {
	f, ok := GetFormat(format)
	if !ok {
		return nil, fmt.Errorf("no format called '%s'", format)
	}

	buf, err := readFile(filename)
	if err != nil {
		return nil, fmt.Errorf("could not open relocation database: %w", err)
	}

	t, err := f(buf)
	if err != nil {
		return nil, fmt.Errorf("could not parse relocation database: %w", err)
	}

	return t, nil
}

// Load reads a table from a file, choosing the format from the extension.
func Load(filename string) (*Table, error) {
	format, err := FormatFor(filename)
	if err != nil {
		return nil, err
	}
	Log("loading %s as %s\n", filename, format)
	return ReadFromFile(format, filename)
}

// FormatFor returns the format name for a filename.
func FormatFor(filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(strings.TrimSuffix(strings.ToLower(filename), ".xz")))
	switch ext {
	case ".yaml", ".yml":
		return "yaml", nil
	case ".relb":
		return "relb", nil
	default:
		return "", fmt.Errorf("unknown relocation database extension %#v", ext)
	}
}

func readFile(filename string) ([]byte, error) {
	buf, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(strings.ToLower(filename), ".xz") {
		return buf, nil
	}
	Log("decompressing %s\n", filename)
	r, err := xz.NewReader(bytes.NewReader(buf), 0)
	if err != nil {
		return nil, fmt.Errorf("read xz: %w", err)
	}
	buf, err = ioutil.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read xz: %w", err)
	}
	return buf, nil
}
