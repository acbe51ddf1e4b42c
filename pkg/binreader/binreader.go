// Package binreader reads the executable a core file was produced from:
// its section table, its dynamic-linker metadata, and the load bias
// needed to translate the executable's link-time addresses into the
// core's runtime address space.
package binreader

import (
	"debug/elf"
	"fmt"
	"os"

	lru "github.com/hashicorp/golang-lru"

	"github.com/sailfishos/corereduce/pkg/elfcore"
)

const sectionCacheSize = 8

// BinaryReader is a read-only view of the crashed executable.
type BinaryReader struct {
	f  *os.File
	ef *elf.File

	byName *lru.Cache
	byType *lru.Cache
}

// Open parses path as an ELF file. It does not check that a section
// table is present: a file without one opens, and every section lookup
// on it finds nothing. Statically-linked binaries are accepted; callers
// asking for dynamic-linker sections from one get ErrMissingDynamicInfo.
func Open(path string) (*BinaryReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", elfcore.ErrIO, err)
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", elfcore.ErrMalformedELF, err)
	}

	byName, _ := lru.New(sectionCacheSize)
	byType, _ := lru.New(sectionCacheSize)
	return &BinaryReader{f: f, ef: ef, byName: byName, byType: byType}, nil
}

// SectionByName returns the named section, memoizing the result so that
// repeated lookups of .dynamic/.interp while resolving the load bias
// don't rescan the section table each time.
func (b *BinaryReader) SectionByName(name string) (*elf.Section, bool) {
	if v, ok := b.byName.Get(name); ok {
		s, _ := v.(*elf.Section)
		return s, s != nil
	}
	s := b.ef.Section(name)
	b.byName.Add(name, s)
	return s, s != nil
}

// SectionByType returns the first section of the given type.
func (b *BinaryReader) SectionByType(t elf.SectionType) (*elf.Section, bool) {
	if v, ok := b.byType.Get(t); ok {
		s, _ := v.(*elf.Section)
		return s, s != nil
	}
	var found *elf.Section
	for _, s := range b.ef.Sections {
		if s.Type == t {
			found = s
			break
		}
	}
	b.byType.Add(t, found)
	return found, found != nil
}

// SegmentByType scans the executable's program headers (not its section
// table) for the first match; used only to locate PT_PHDR when computing
// the load bias.
func (b *BinaryReader) SegmentByType(t elf.ProgType) (*elf.Prog, bool) {
	for _, p := range b.ef.Progs {
		if p.Type == t {
			return p, true
		}
	}
	return nil, false
}

// Machine returns the executable's target architecture.
func (b *BinaryReader) Machine() elf.Machine {
	return b.ef.Machine
}

// Class returns the executable's ELF class (32 or 64-bit).
func (b *BinaryReader) Class() elf.Class {
	return b.ef.Class
}

// LoadBias computes AT_PHDR - PT_PHDR.p_vaddr, the offset added to every
// static VA read from the executable to obtain its runtime VA in this
// particular core.
func (b *BinaryReader) LoadBias(atPHDR elfcore.Addr) (elfcore.Addr, error) {
	phdr, ok := b.SegmentByType(elf.PT_PHDR)
	if !ok {
		return 0, fmt.Errorf("%w: executable has no PT_PHDR segment", elfcore.ErrMissingDynamicInfo)
	}
	return atPHDR - elfcore.Addr(phdr.Vaddr), nil
}

// Interp returns the NUL-trimmed contents of .interp, the path to the
// dynamic linker, when the executable is dynamically linked.
func (b *BinaryReader) Interp() (string, bool, error) {
	s, ok := b.SectionByName(".interp")
	if !ok {
		return "", false, nil
	}
	data, err := s.Data()
	if err != nil {
		return "", false, fmt.Errorf("%w: reading .interp: %v", elfcore.ErrIO, err)
	}
	n := 0
	for n < len(data) && data[n] != 0 {
		n++
	}
	return string(data[:n]), true, nil
}

// DynamicSection returns the executable's .dynamic section, or
// ErrMissingDynamicInfo if the binary is statically linked.
func (b *BinaryReader) DynamicSection() (*elf.Section, error) {
	s, ok := b.SectionByType(elf.SHT_DYNAMIC)
	if !ok {
		return nil, fmt.Errorf("%w: no .dynamic section", elfcore.ErrMissingDynamicInfo)
	}
	return s, nil
}

// DynEntries decodes the executable's .dynamic section into
// width-independent (tag, value) entries.
func (b *BinaryReader) DynEntries() ([]elfcore.DynEntry, error) {
	s, err := b.DynamicSection()
	if err != nil {
		return nil, err
	}
	data, err := s.Data()
	if err != nil {
		return nil, fmt.Errorf("%w: reading .dynamic: %v", elfcore.ErrIO, err)
	}
	return decodeDynEntries(data, elfcore.WidthOf(b.ef.Class))
}

func decodeDynEntries(data []byte, w elfcore.Width) ([]elfcore.DynEntry, error) {
	step := int(w) * 2
	var out []elfcore.DynEntry
	for off := 0; off+step <= len(data); off += step {
		tag, val := readPair(data[off:off+step], w)
		out = append(out, elfcore.DynEntry{Tag: elf.DynTag(tag), Val: elfcore.Addr(val)})
		if elf.DynTag(tag) == elf.DT_NULL {
			break
		}
	}
	return out, nil
}

func readPair(b []byte, w elfcore.Width) (uint64, uint64) {
	if w == elfcore.Width64 {
		return leUint64(b[0:8]), leUint64(b[8:16])
	}
	return uint64(leUint32(b[0:4])), uint64(leUint32(b[4:8]))
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Close releases the underlying file descriptor.
func (b *BinaryReader) Close() error {
	return b.f.Close()
}
