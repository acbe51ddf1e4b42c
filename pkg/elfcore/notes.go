package elfcore

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// Note is one decoded entry from a PT_NOTE segment.
type Note struct {
	Type elf.NType
	Name string
	Desc []byte
}

// align4 rounds n up to the next multiple of 4, matching the padding the
// kernel's core dumper applies after both the name and the descriptor of
// every note.
func align4(n int) int {
	return (n + 3) &^ 3
}

// WalkNotes decodes the catenated notes in a PT_NOTE segment's payload
// and invokes fn for each. Iteration stops at the first error returned
// by fn or at the first malformed note header.
func WalkNotes(data []byte, fn func(Note) error) error {
	const hdrSize = 12 // namesz, descsz, type, all uint32
	off := 0
	for off+hdrSize <= len(data) {
		namesz := binary.LittleEndian.Uint32(data[off : off+4])
		descsz := binary.LittleEndian.Uint32(data[off+4 : off+8])
		typ := binary.LittleEndian.Uint32(data[off+8 : off+12])
		off += hdrSize

		nameEnd := off + int(namesz)
		if namesz == 0 || nameEnd > len(data) {
			return fmt.Errorf("%w: truncated note name", ErrMalformedCore)
		}
		name := ""
		if namesz > 0 {
			name = string(data[off : nameEnd-1]) // drop the NUL terminator
		}
		off = align4(nameEnd)

		descEnd := off + int(descsz)
		if descEnd > len(data) {
			return fmt.Errorf("%w: truncated note descriptor", ErrMalformedCore)
		}
		desc := data[off:descEnd]
		off = align4(descEnd)

		if err := fn(Note{Type: elf.NType(typ), Name: name, Desc: desc}); err != nil {
			return err
		}
	}
	return nil
}

// AuxvEntry is one decoded (tag, value) pair from an NT_AUXV descriptor.
type AuxvEntry struct {
	Tag Addr
	Val Addr
}

// ATNull and ATPhdr are the auxv tags the reducer consults: AT_NULL
// terminates the vector, AT_PHDR gives the runtime VA of the
// executable's program header table.
const (
	ATNull Addr = 0
	ATPhdr Addr = 3
)

// ntAuxv is the note type for notes containing a copy of the auxv array;
// debug/elf does not export this constant.
const ntAuxv elf.NType = 6

// WalkAuxv decodes an NT_AUXV descriptor into (tag, value) pairs, each
// sized according to w, stopping at AT_NULL or the end of the buffer.
func WalkAuxv(desc []byte, w Width) []AuxvEntry {
	var entries []AuxvEntry
	step := int(w) * 2
	for off := 0; off+step <= len(desc); off += step {
		var tag, val Addr
		if w == Width64 {
			tag = Addr(binary.LittleEndian.Uint64(desc[off : off+8]))
			val = Addr(binary.LittleEndian.Uint64(desc[off+8 : off+16]))
		} else {
			tag = Addr(binary.LittleEndian.Uint32(desc[off : off+4]))
			val = Addr(binary.LittleEndian.Uint32(desc[off+4 : off+8]))
		}
		entries = append(entries, AuxvEntry{Tag: tag, Val: val})
		if tag == ATNull {
			break
		}
	}
	return entries
}

// The byte offset of pr_psargs within an NT_PRPSINFO descriptor differs
// between 32 and 64-bit because pr_flag is a plain unsigned long: 4
// bytes on 32-bit, 8 (with alignment padding before it) on 64-bit.
//
// 32-bit struct elf_prpsinfo: pr_state/sname/zombie/nice (4) +
// pr_flag (4) + pr_uid/pr_gid (2+2) + pr_pid/ppid/pgrp/sid (4*4) +
// pr_fname[16] = 44.
const psArgsOffset32 = 4 + 4 + 2 + 2 + 4*4 + 16

// 64-bit: the same leading 4 flag bytes, then 4 bytes of padding to
// 8-byte-align pr_flag, then pr_flag (8) + pr_uid/pr_gid (2+2) +
// pr_pid/ppid/pgrp/sid (4*4) + pr_fname[16] = 52.
const psArgsOffset64 = 4 + 4 + 8 + 2 + 2 + 4*4 + 16

// PSArgs extracts the NUL-trimmed pr_psargs field from an NT_PRPSINFO
// descriptor.
func PSArgs(desc []byte, w Width) string {
	off := psArgsOffset32
	if w == Width64 {
		off = psArgsOffset64
	}
	if off >= len(desc) {
		return ""
	}
	end := off + 80
	if end > len(desc) {
		end = len(desc)
	}
	raw := desc[off:end]
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n])
}
