package relocdb

import (
	"strconv"
	"strings"

	"github.com/pgaskin/ckpe/host"
	"github.com/pgaskin/ckpe/patchlib"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

func init() {
	RegisterFormat("yaml", ParseYAML)
}

type yamlTable struct {
	Builds []yamlBuild `yaml:"Builds"`
}

type yamlBuild struct {
	Edition       string    `yaml:"Edition"`
	Build         string    `yaml:"Build,omitempty"`
	TimeDateStamp yamlInt   `yaml:"TimeDateStamp,omitempty"`
	SizeOfImage   yamlInt   `yaml:"SizeOfImage,omitempty"`
	Modules       yaml.Node `yaml:"Modules"`
}

type yamlItem struct {
	Version uint32    `yaml:"Version"`
	RVAs    []yamlInt `yaml:"RVAs"`
}

// yamlInt is a uint32 which can also be written as a hex string.
type yamlInt uint32

func (v *yamlInt) UnmarshalYAML(n *yaml.Node) error {
	var i uint32
	if err := n.DecodeStrict(&i); err == nil {
		*v = yamlInt(i)
		return nil
	}

	var s string
	if err := n.DecodeStrict(&s); err != nil {
		return errors.Errorf("line %d: expected integer or hex string", n.Line)
	}
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	x, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return errors.Wrapf(err, "line %d: invalid address %#v", n.Line, n.Value)
	}
	*v = yamlInt(x)
	return nil
}

// ParseYAML parses a YAML relocation database.
func ParseYAML(buf []byte) (*Table, error) {
	Log("parsing yaml relocation database\n")

	var root yaml.Node
	if err := yaml.Unmarshal(buf, &root); err != nil {
		return nil, errors.Wrap(err, "error parsing relocation database")
	}

	var yt yamlTable
	if err := root.DecodeStrict(&yt); err != nil {
		return nil, errors.Wrap(err, "error parsing relocation database")
	}

	t := &Table{}
	for _, yb := range yt.Builds {
		ed, err := host.ParseEdition(yb.Edition)
		if err != nil {
			return nil, errors.Wrapf(err, "build %#v", yb.Build)
		}
		b := NewBuild(host.Identity{Edition: ed, Build: yb.Build}, uint32(yb.TimeDateStamp), uint32(yb.SizeOfImage))

		if yb.Modules.Kind != yaml.MappingNode {
			if yb.Modules.Kind == 0 {
				return nil, errors.Errorf("build %s: missing Modules", b.Identity)
			}
			return nil, errors.Errorf("line %d: build %s: Modules must be a mapping", yb.Modules.Line, b.Identity)
		}

		for i := 0; i+1 < len(yb.Modules.Content); i += 2 {
			kn, vn := yb.Modules.Content[i], yb.Modules.Content[i+1]

			var yi yamlItem
			if err := vn.DecodeStrict(&yi); err != nil {
				return nil, errors.Wrapf(err, "line %d: module %#v", kn.Line, kn.Value)
			}

			rvas := make([]patchlib.RVA, len(yi.RVAs))
			for j, rva := range yi.RVAs {
				rvas[j] = patchlib.RVA(rva)
			}

			if err := b.Add(NewItem(kn.Value, yi.Version, rvas...)); err != nil {
				return nil, errors.Wrapf(err, "line %d", kn.Line)
			}
			Log("  %s: %s v%d (%d addresses)\n", b.Identity, kn.Value, yi.Version, len(rvas))
		}

		if err := t.Add(b); err != nil {
			return nil, err
		}
	}
	return t, nil
}
