// Package host identifies the editor executable being patched.
package host

import (
	"fmt"
	"strings"
)

// Game is the family of editor a host belongs to.
type Game int

const (
	GameUnknown Game = iota
	SkyrimSE
	Fallout4
	Starfield
)

func (g Game) String() string {
	switch g {
	case SkyrimSE:
		return "skyrim-se"
	case Fallout4:
		return "fallout4"
	case Starfield:
		return "starfield"
	default:
		return "unknown"
	}
}

// Edition is a specific released build of an editor. Editions are ordered by
// game, then by release, so range checks like e <= Fallout4Last select every
// Skyrim SE and Fallout 4 build.
type Edition int

const (
	EditionUnknown Edition = iota

	SkyrimSE_1_5_3
	SkyrimSE_1_5_73
	SkyrimSE_1_6_438
	SkyrimSE_1_6_1130
	SkyrimSE_1_6_1378

	Fallout4_1_10_162
	Fallout4_1_10_943_1
	Fallout4_1_10_982_3

	Starfield_1_13_61
	Starfield_1_14_70

	SkyrimSELast  = SkyrimSE_1_6_1378
	Fallout4Last  = Fallout4_1_10_982_3
	StarfieldLast = Starfield_1_14_70
)

var editionNames = map[Edition]string{
	SkyrimSE_1_5_3:      "skyrim-se-1.5.3",
	SkyrimSE_1_5_73:     "skyrim-se-1.5.73",
	SkyrimSE_1_6_438:    "skyrim-se-1.6.438",
	SkyrimSE_1_6_1130:   "skyrim-se-1.6.1130",
	SkyrimSE_1_6_1378:   "skyrim-se-1.6.1378",
	Fallout4_1_10_162:   "fallout4-1.10.162",
	Fallout4_1_10_943_1: "fallout4-1.10.943.1",
	Fallout4_1_10_982_3: "fallout4-1.10.982.3",
	Starfield_1_13_61:   "starfield-1.13.61",
	Starfield_1_14_70:   "starfield-1.14.70",
}

// Editions returns every known edition in order.
func Editions() []Edition {
	es := make([]Edition, 0, len(editionNames))
	for e := SkyrimSE_1_5_3; e <= StarfieldLast; e++ {
		es = append(es, e)
	}
	return es
}

// ParseEdition parses an edition name as returned by Edition.String. Case is
// ignored.
func ParseEdition(s string) (Edition, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for e, n := range editionNames {
		if n == s {
			return e, nil
		}
	}
	return EditionUnknown, fmt.Errorf("unknown edition %#v", s)
}

func (e Edition) String() string {
	if n, ok := editionNames[e]; ok {
		return n
	}
	return "unknown"
}

// Game returns the game the edition belongs to.
func (e Edition) Game() Game {
	switch {
	case e >= SkyrimSE_1_5_3 && e <= SkyrimSELast:
		return SkyrimSE
	case e >= Fallout4_1_10_162 && e <= Fallout4Last:
		return Fallout4
	case e >= Starfield_1_13_61 && e <= StarfieldLast:
		return Starfield
	default:
		return GameUnknown
	}
}

// Known returns true if the edition is not EditionUnknown or out of range.
func (e Edition) Known() bool {
	return e.Game() != GameUnknown
}

// MarshalText implements encoding.TextMarshaler.
func (e Edition) MarshalText() ([]byte, error) {
	if !e.Known() {
		return nil, fmt.Errorf("unknown edition %d", int(e))
	}
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Edition) UnmarshalText(b []byte) error {
	v, err := ParseEdition(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}
