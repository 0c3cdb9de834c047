package patchlib

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Pattern is a byte signature with wildcards, written like
// "81 ? ? ? ? ? 00 B0 00 00" (? or ?? matches any byte).
type Pattern struct {
	b    []byte
	mask []bool // true if b[i] must match
	text string
}

// ParsePattern parses a pattern.
func ParsePattern(s string) (Pattern, error) {
	f := strings.Fields(s)
	if len(f) == 0 {
		return Pattern{}, errors.New("ParsePattern: empty pattern")
	}
	p := Pattern{
		b:    make([]byte, len(f)),
		mask: make([]bool, len(f)),
		text: strings.Join(f, " "),
	}
	var concrete bool
	for i, t := range f {
		if t == "?" || t == "??" {
			continue
		}
		v, err := strconv.ParseUint(t, 16, 8)
		if err != nil || len(t) != 2 {
			return Pattern{}, fmt.Errorf("ParsePattern: invalid byte %q at position %d", t, i)
		}
		p.b[i], p.mask[i], concrete = byte(v), true, true
	}
	if !concrete {
		return Pattern{}, errors.New("ParsePattern: pattern only contains wildcards")
	}
	return p, nil
}

// MustParsePattern is like ParsePattern, but panics on error.
func MustParsePattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the length of the pattern in bytes.
func (p Pattern) Len() int {
	return len(p.b)
}

func (p Pattern) String() string {
	return p.text
}

// Match checks if buf starts with the pattern.
func (p Pattern) Match(buf []byte) bool {
	if len(buf) < len(p.b) {
		return false
	}
	for i, m := range p.mask {
		if m && buf[i] != p.b[i] {
			return false
		}
	}
	return true
}

// Find returns the offset of the first match in buf, or -1.
func (p Pattern) Find(buf []byte) int {
	if m := p.find(buf, 1); len(m) != 0 {
		return m[0]
	}
	return -1
}

// FindAll returns the offsets of all (possibly overlapping) matches in buf.
func (p Pattern) FindAll(buf []byte) []int {
	return p.find(buf, -1)
}

func (p Pattern) find(buf []byte, n int) []int {
	if len(p.b) == 0 {
		return nil
	}
	// anchor on the first concrete byte
	var a int
	for !p.mask[a] {
		a++
	}
	var res []int
	for i := a; i < len(buf) && n != 0; {
		j := bytes.IndexByte(buf[i:], p.b[a])
		if j < 0 {
			break
		}
		start := i + j - a
		if start+len(p.b) > len(buf) {
			break
		}
		if p.Match(buf[start:]) {
			res = append(res, start)
			n--
		}
		i += j + 1
	}
	return res
}
