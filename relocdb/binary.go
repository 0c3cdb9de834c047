package relocdb

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pgaskin/ckpe/host"
	"github.com/pgaskin/ckpe/patchlib"
	"github.com/pgaskin/czlib"
	"github.com/pkg/errors"
)

func init() {
	RegisterFormat("relb", ParseBinary)
}

// BinaryMagic starts every relb file. It is followed by a little-endian
// uint16 format version and a zlib stream with the builds.
const BinaryMagic = "CKPERELB"

// BinaryVersion is the relb format version written by WriteBinary.
const BinaryVersion uint16 = 1

// ParseBinary parses a relb relocation database.
func ParseBinary(buf []byte) (*Table, error) {
	Log("parsing relb relocation database\n")

	if len(buf) < len(BinaryMagic)+2 || string(buf[:len(BinaryMagic)]) != BinaryMagic {
		return nil, errors.New("not a relb file")
	}
	if v := binary.LittleEndian.Uint16(buf[len(BinaryMagic):]); v != BinaryVersion {
		return nil, errors.Errorf("unsupported relb version %d", v)
	}

	payload, err := czlib.Decompress(buf[len(BinaryMagic)+2:])
	if err != nil {
		return nil, errors.Wrap(err, "error decompressing relocation database")
	}

	r := &binReader{r: bytes.NewReader(payload)}
	t := &Table{}
	for nb := r.u32(); r.err == nil && nb > 0; nb-- {
		edition := r.str()
		build := r.str()
		ts, size := r.u32(), r.u32()
		if r.err != nil {
			break
		}
		ed, err := host.ParseEdition(edition)
		if err != nil {
			return nil, errors.Wrapf(err, "build %#v", build)
		}
		b := NewBuild(host.Identity{Edition: ed, Build: build}, ts, size)
		for ni := r.u32(); r.err == nil && ni > 0; ni-- {
			name := r.str()
			version := r.u32()
			n := r.u32()
			if r.err != nil {
				break
			}
			if int(n) > r.r.Len()/4 {
				return nil, errors.Errorf("build %s: module %#v: address count %d exceeds remaining data", b.Identity, name, n)
			}
			rvas := make([]patchlib.RVA, n)
			for i := range rvas {
				rvas[i] = patchlib.RVA(r.u32())
			}
			if err := b.Add(NewItem(name, version, rvas...)); err != nil {
				return nil, err
			}
		}
		if r.err != nil {
			break
		}
		if err := t.Add(b); err != nil {
			return nil, err
		}
	}
	if r.err != nil {
		return nil, errors.Wrap(r.err, "error reading relocation database")
	}
	if r.r.Len() != 0 {
		return nil, errors.Errorf("%d bytes of trailing data", r.r.Len())
	}
	return t, nil
}

// WriteBinary writes a table in the relb format.
func WriteBinary(w io.Writer, t *Table) error {
	var p binWriter
	bs := t.Builds()
	p.u32(uint32(len(bs)))
	for _, b := range bs {
		p.str(b.Identity.Edition.String())
		p.str(b.Identity.Build)
		p.u32(b.TimeDateStamp)
		p.u32(b.SizeOfImage)
		items := b.Items()
		p.u32(uint32(len(items)))
		for _, i := range items {
			p.str(i.Name())
			p.u32(i.Version())
			p.u32(uint32(i.Count()))
			for _, rva := range i.rvas {
				p.u32(uint32(rva))
			}
		}
	}

	payload, err := czlib.Compress(p.Bytes())
	if err != nil {
		return errors.Wrap(err, "error compressing relocation database")
	}

	hdr := make([]byte, len(BinaryMagic)+2)
	copy(hdr, BinaryMagic)
	binary.LittleEndian.PutUint16(hdr[len(BinaryMagic):], BinaryVersion)
	if _, err := w.Write(hdr); err != nil {
		return errors.Wrap(err, "error writing relocation database")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "error writing relocation database")
	}
	return nil
}

type binReader struct {
	r   *bytes.Reader
	err error
}

func (b *binReader) u32() uint32 {
	var v uint32
	if b.err == nil {
		b.err = binary.Read(b.r, binary.LittleEndian, &v)
	}
	return v
}

func (b *binReader) str() string {
	var n uint16
	if b.err == nil {
		b.err = binary.Read(b.r, binary.LittleEndian, &n)
	}
	if b.err != nil {
		return ""
	}
	buf := make([]byte, n)
	_, b.err = io.ReadFull(b.r, buf)
	return string(buf)
}

type binWriter struct {
	bytes.Buffer
}

func (b *binWriter) u32(v uint32) {
	binary.Write(&b.Buffer, binary.LittleEndian, v)
}

func (b *binWriter) str(s string) {
	binary.Write(&b.Buffer, binary.LittleEndian, uint16(len(s)))
	b.WriteString(s)
}
