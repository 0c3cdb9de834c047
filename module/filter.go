package module

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Filter is a set of module names excluded by the user. Names are
// case-insensitive.
type Filter map[string]struct{}

// ReadFilter reads one module name per line. Whitespace around names and
// blank lines are ignored.
func ReadFilter(r io.Reader) (Filter, error) {
	f := Filter{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		f.Add(sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read filter: %w", err)
	}
	return f, nil
}

// LoadFilter reads a filter file. A missing file is an empty filter.
func LoadFilter(filename string) (Filter, error) {
	fh, err := os.Open(filename)
	if os.IsNotExist(err) {
		return Filter{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("load filter: %w", err)
	}
	defer fh.Close()
	return ReadFilter(fh)
}

// Add adds a name to the filter.
func (f Filter) Add(name string) {
	if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
		f[name] = struct{}{}
	}
}

// Has returns true if the filter contains name.
func (f Filter) Has(name string) bool {
	_, ok := f[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Names returns the (lowercased) names in the filter.
func (f Filter) Names() []string {
	n := make([]string, 0, len(f))
	for k := range f {
		n = append(n, k)
	}
	sort.Strings(n)
	return n
}
