// Package image maps a protected target binary into a flat virtual
// address space. The devirtualizer reads handler code and encrypted
// bytecode through it at their preferred load addresses, and the patch
// path reuses the untouched file bytes.
package image

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"github.com/yalue/elf_reader"
)

// segment is one readable span of the mapped image.
type segment struct {
	addr uint64
	data []byte
}

// Image is a target binary mapped at its preferred load addresses.
type Image struct {
	segments []segment
	raw      []byte
}

// Load reads the file at path and maps it as a PE or ELF image.
func Load(path string) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read target image")
	}
	switch {
	case len(raw) >= 2 && raw[0] == 'M' && raw[1] == 'Z':
		return loadPE(raw)
	case len(raw) >= 4 && bytes.Equal(raw[:4], []byte{0x7f, 'E', 'L', 'F'}):
		return loadELF(raw)
	}
	return nil, errors.Errorf("%s: not a PE or ELF image", path)
}

func loadPE(raw []byte) (*Image, error) {
	f, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "parse PE")
	}
	defer f.Close()

	var base uint64
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		base = oh.ImageBase
	case *pe.OptionalHeader32:
		base = uint64(oh.ImageBase)
	default:
		return nil, errors.New("PE image has no optional header")
	}

	img := &Image{raw: raw}
	for _, s := range f.Sections {
		data, err := s.Data()
		if err != nil {
			return nil, errors.Wrapf(err, "section %s", s.Name)
		}
		// Sections occupy VirtualSize bytes in memory; anything past the
		// raw data is zero fill.
		size := s.VirtualSize
		if size == 0 {
			size = s.Size
		}
		mapped := make([]byte, size)
		copy(mapped, data)
		img.segments = append(img.segments, segment{
			addr: base + uint64(s.VirtualAddress),
			data: mapped,
		})
	}
	return img, nil
}

func loadELF(raw []byte) (*Image, error) {
	f, err := elf_reader.ParseELFFile(raw)
	if err != nil {
		return nil, errors.Wrap(err, "parse ELF")
	}

	img := &Image{raw: raw}
	// Section 0 is the null section.
	for i := uint16(1); i < f.GetSectionCount(); i++ {
		hdr, err := f.GetSectionHeader(i)
		if err != nil {
			return nil, errors.Wrapf(err, "section %d header", i)
		}
		addr := hdr.GetVirtualAddress()
		if addr == 0 {
			continue
		}
		content, err := f.GetSectionContent(i)
		if err != nil {
			// NOBITS sections have no file content but still occupy
			// zero-filled address space.
			content = make([]byte, hdr.GetSize())
		}
		img.segments = append(img.segments, segment{addr: addr, data: content})
	}
	return img, nil
}

// Slice returns up to n readable bytes starting at addr. Fewer bytes
// are returned when the containing segment ends before addr+n.
func (i *Image) Slice(addr uint64, n int) ([]byte, error) {
	for _, s := range i.segments {
		if addr < s.addr || addr >= s.addr+uint64(len(s.data)) {
			continue
		}
		off := addr - s.addr
		end := off + uint64(n)
		if end > uint64(len(s.data)) {
			end = uint64(len(s.data))
		}
		return s.data[off:end], nil
	}
	return nil, errors.Errorf("address %#x is not mapped", addr)
}

// ReadUint64 fetches a little-endian 64-bit word at addr.
func (i *Image) ReadUint64(addr uint64) (uint64, error) {
	buf, err := i.Slice(addr, 8)
	if err != nil {
		return 0, err
	}
	if len(buf) < 8 {
		return 0, errors.Errorf("short read of %d bytes at %#x", len(buf), addr)
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// Raw returns the unmodified file bytes the image was loaded from.
func (i *Image) Raw() []byte {
	return i.raw
}
