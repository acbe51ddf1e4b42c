// Package elfcore defines the address-width-independent record layouts
// shared by the core reader, binary reader and ELF writer: a single Addr
// type wide enough to hold either a 32-bit or a 64-bit virtual address,
// the dynamic-linker rendezvous structures, and the handful of tunable
// constants the reducer consults while rebuilding a link map.
package elfcore

import "debug/elf"

// Addr is a virtual address or size, held zero-extended regardless of
// whether the underlying core is 32-bit or 64-bit. Every record in this
// package is expressed in terms of Addr so the reducer is written once
// against a single representation.
type Addr uint64

// Width describes the size, in bytes, of an address-sized field in the
// ELF class the core was produced for.
type Width int

const (
	Width32 Width = 4
	Width64 Width = 8
)

// WidthOf returns the address width implied by an ELF class.
func WidthOf(class elf.Class) Width {
	if class == elf.ELFCLASS64 {
		return Width64
	}
	return Width32
}

// Tunables the reducer falls back to when neither a CLI flag nor a
// reduceconfig file overrides them. See pkg/reduceconfig for the
// overridable counterparts.
const (
	// DefaultStackAddition is the safety margin, in bytes, kept below a
	// thread's stack pointer when narrowing its stack segment.
	DefaultStackAddition Addr = 128

	// DefaultPredefinedHeapAddress is the fallback base address for the
	// synthetic link-map segment when no better address can be derived
	// from /proc/<pid>/maps. Chosen page-aligned and clear of the NULL
	// guard page, unlike the historical magic value 4 it replaces.
	DefaultPredefinedHeapAddress Addr = 0x21000
)

// RDebugStructSize is the on-disk size of a forged r_debug record:
// { int r_version; link_map *r_map; Addr r_brk; int r_state; Addr
// r_ldbase; }, with the int fields padded out to pointer alignment on
// 64-bit. 20 bytes on 32-bit, 40 on 64-bit.
func RDebugStructSize(w Width) int {
	if w == Width64 {
		return 40
	}
	return 20
}

// RDebugLinkMapOffset is the byte offset of the r_map field (the VA of
// the first link_map record) inside a forged r_debug record. It equals
// the address width because r_version occupies exactly one address-sized
// slot once padding is accounted for.
func RDebugLinkMapOffset(w Width) int {
	return int(w)
}

// LinkMapRecordSize is the on-disk size of one link_map record, excluding
// the NUL-terminated name string that follows it.
func LinkMapRecordSize(w Width) int {
	return int(w) * 5 // l_addr, l_name, l_ld, l_next, l_prev
}

// LMNameOffset is the byte offset of the l_name pointer field inside a
// link_map record.
func LMNameOffset(w Width) int {
	return int(w)
}

// Header is the tagged union of a program header the writer may emit:
// either borrowed directly from the input core (no allocation) or owned,
// meaning it was synthesised by the reducer (a narrowed stack, a
// synthetic dynamic segment, the link-map segment). VAddr/FileSize/MemSize
// read either case alike. The reducer and pkg/elfwriter do not use this
// type; they pass plain elf.ProgHeader values.
type Header struct {
	Borrowed *elf.Prog
	Owned    *elf.ProgHeader
}

// BorrowedHeader wraps a program header read directly from an input file.
func BorrowedHeader(p *elf.Prog) Header { return Header{Borrowed: p} }

// OwnedHeader wraps a program header synthesised by the reducer.
func OwnedHeader(p *elf.ProgHeader) Header { return Header{Owned: p} }

func (h Header) raw() elf.ProgHeader {
	if h.Borrowed != nil {
		return h.Borrowed.ProgHeader
	}
	return *h.Owned
}

// VAddr returns the header's virtual address.
func (h Header) VAddr() Addr { return Addr(h.raw().Vaddr) }

// FileSize returns the header's on-disk size.
func (h Header) FileSize() Addr { return Addr(h.raw().Filesz) }

// MemSize returns the header's in-memory size.
func (h Header) MemSize() Addr { return Addr(h.raw().Memsz) }

// Type returns the header's segment type.
func (h Header) Type() elf.ProgType { return h.raw().Type }

// Raw returns a copy of the underlying elf.ProgHeader.
func (h Header) Raw() elf.ProgHeader { return h.raw() }

// DynEntry is the width-independent decoding of one Elf_Dyn entry of
// either ELF class.
type DynEntry struct {
	Tag elf.DynTag
	Val Addr
}

// LinkMap is the decoded, width-independent form of one link_map record.
type LinkMap struct {
	Addr Addr // l_addr: base load address of the object
	Name Addr // l_name: VA of the NUL-terminated path string
	LD   Addr // l_ld: VA of the object's .dynamic section
	Next Addr // l_next
	Prev Addr // l_prev
}
