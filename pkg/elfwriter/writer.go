// Package elfwriter builds a reduced ELF core in memory, one segment at
// a time, and flushes it to disk as a single file. Unlike a streaming
// writer that appends the program-header table at the end of the file,
// this writer reserves space for the program-header table immediately
// after the ELF header -- exactly where the original core's table
// lived -- so a consumer can still binary-search program headers by
// virtual address without first locating a trailing table. Segment data
// is referenced only through each header's p_offset, so the final sort
// of the header table by p_vaddr never needs to move any data.
package elfwriter

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/sailfishos/corereduce/pkg/elfcore"
	"github.com/sailfishos/corereduce/pkg/logflags"
)

const (
	ehsize64 = 64
	ehsize32 = 52
	phsize64 = 56
	phsize32 = 32
)

// Writer accumulates a reduced core image in a single growable buffer.
type Writer struct {
	buf   []byte
	class elf.Class

	ehsize    int
	phsize    int
	phTableAt int // byte offset of the program-header table, always ehsize
	maxProgs  int

	progs  []elf.ProgHeader
	offset int // write cursor for the next segment's data

	linkMap *linkMapState

	// Err accumulates the first error encountered by any Write-style
	// call, in the same spirit as the teacher's streaming writer: callers
	// can issue a sequence of calls and check Err once at the end.
	Err error
}

// Overwrite describes a sub-range of a just-copied segment's data that
// should be replaced before the segment is committed -- used to patch a
// DT_DEBUG entry's d_un field in place while copying the original
// .dynamic-bearing segment.
type Overwrite struct {
	// Offset is relative to the start of the segment's data, not the file.
	Offset int
	Data   []byte
}

// New creates a Writer for the given ELF class, reserving room for up to
// maxProgs program headers right after the ELF header.
func New(class elf.Class, maxProgs int) *Writer {
	w := &Writer{class: class, maxProgs: maxProgs}
	if class == elf.ELFCLASS64 {
		w.ehsize, w.phsize = ehsize64, phsize64
	} else {
		w.ehsize, w.phsize = ehsize32, phsize32
	}
	w.phTableAt = w.ehsize
	reserved := w.ehsize + w.phsize*maxProgs
	w.buf = make([]byte, reserved)
	w.offset = reserved
	return w
}

func (w *Writer) fail(err error) {
	if w.Err == nil {
		w.Err = err
	}
}

// WriteELFHeader copies src's identification, type, machine and version
// fields into the output header, clears the section-header fields (the
// reduced core carries no section table) and sets e_phoff and
// e_phentsize; e_phnum is filled in at Flush time, once the
// program-header count is known.
func (w *Writer) WriteELFHeader(src []byte) {
	if len(src) < w.ehsize {
		w.fail(fmt.Errorf("%w: source ELF header too short", elfcore.ErrMalformedELF))
		return
	}
	copy(w.buf[0:w.ehsize], src[0:w.ehsize])

	if w.class == elf.ELFCLASS64 {
		binary.LittleEndian.PutUint64(w.buf[32:40], uint64(w.phTableAt)) // e_phoff
		binary.LittleEndian.PutUint64(w.buf[40:48], 0)                  // e_shoff
		binary.LittleEndian.PutUint16(w.buf[54:56], phsize64)           // e_phentsize
		binary.LittleEndian.PutUint16(w.buf[58:60], 0)                  // e_shentsize
		binary.LittleEndian.PutUint16(w.buf[60:62], 0)                  // e_shnum
		binary.LittleEndian.PutUint16(w.buf[62:64], 0)                  // e_shstrndx
	} else {
		binary.LittleEndian.PutUint32(w.buf[28:32], uint32(w.phTableAt)) // e_phoff
		binary.LittleEndian.PutUint32(w.buf[32:36], 0)                  // e_shoff
		binary.LittleEndian.PutUint16(w.buf[42:44], phsize32)           // e_phentsize
		binary.LittleEndian.PutUint16(w.buf[46:48], 0)                  // e_shentsize
		binary.LittleEndian.PutUint16(w.buf[48:50], 0)                  // e_shnum
		binary.LittleEndian.PutUint16(w.buf[50:52], 0)                  // e_shstrndx
	}
	// Program-header region is left zeroed until Flush; phnum is patched
	// there too, once every segment has been appended.
}

// grow appends n zero bytes to the buffer and returns the offset at
// which they start.
func (w *Writer) grow(n int) int {
	start := len(w.buf)
	w.buf = append(w.buf, make([]byte, n)...)
	return start
}

// CopySegment appends data as a new segment, recording ph (with p_offset
// rewritten to the new location) as its program header. If overwrite is
// non-nil, the given sub-range of data is replaced in the output before
// the segment is committed; overwrite.Offset+len(overwrite.Data) may
// legally reach exactly len(data) -- one past the last byte copied is
// never part of the segment, so an overwrite ending there is not an
// out-of-bounds write.
func (w *Writer) CopySegment(ph elf.ProgHeader, data []byte, overwrite *Overwrite) {
	if len(w.progs) >= w.maxProgs {
		w.fail(fmt.Errorf("%w: no free program-header slot", elfcore.ErrReducedCoreBroken))
		return
	}
	if overwrite != nil {
		if overwrite.Offset < 0 || overwrite.Offset+len(overwrite.Data) > len(data) {
			w.fail(fmt.Errorf("%w: overwrite range out of bounds", elfcore.ErrReducedCoreBroken))
			return
		}
		patched := make([]byte, len(data))
		copy(patched, data)
		copy(patched[overwrite.Offset:], overwrite.Data)
		data = patched
	}

	start := w.grow(len(data))
	copy(w.buf[start:], data)

	ph.Off = uint64(start)
	w.progs = append(w.progs, ph)

	if logflags.Writer() {
		logflags.WriterLogger().Debugf("copied segment type=%v vaddr=%#x filesz=%d", ph.Type, ph.Vaddr, ph.Filesz)
	}
}

// AddOwnedSegment appends a synthetic segment (a narrowed stack, a
// synthetic dynamic section) whose bytes were built entirely by the
// reducer rather than copied from an existing file.
func (w *Writer) AddOwnedSegment(ph elf.ProgHeader, data []byte) {
	w.CopySegment(ph, data, nil)
}

// linkMapState accumulates the bytes of the in-progress link-map
// segment: a forged r_debug record followed by a chain of link_map
// records and their NUL-terminated name strings, all addressed relative
// to heapVA.
type linkMapState struct {
	heapVA elfcore.Addr
	buf    []byte
}

// StartLinkMapSegment begins a new synthetic segment based at heapVA.
// Only one link-map segment may be in progress at a time.
func (w *Writer) StartLinkMapSegment(heapVA elfcore.Addr) {
	w.linkMap = &linkMapState{heapVA: heapVA}
}

// LinkMapCursor returns the virtual address the next byte appended to
// the in-progress link-map segment will land at.
func (w *Writer) LinkMapCursor() elfcore.Addr {
	if w.linkMap == nil {
		return 0
	}
	return w.linkMap.heapVA + elfcore.Addr(len(w.linkMap.buf))
}

// AddRDebug appends a forged r_debug record to the in-progress link-map
// segment. The caller is responsible for having already set its
// link-map pointer field to the VA the first AddLinkMapEntry call will
// occupy (LinkMapCursor before this call, plus the record's length).
func (w *Writer) AddRDebug(data []byte) {
	if w.linkMap == nil {
		w.fail(fmt.Errorf("%w: AddRDebug with no link-map segment in progress", elfcore.ErrReducedCoreBroken))
		return
	}
	w.linkMap.buf = append(w.linkMap.buf, data...)
}

// PatchLinkMapField overwrites one address-sized field of a link_map
// record already appended to the in-progress link-map segment.
// fieldIndex follows the record's on-disk order: 0=l_addr, 1=l_name,
// 2=l_ld, 3=l_next, 4=l_prev. Used to chain each record's l_next once
// the following record's address is known.
func (w *Writer) PatchLinkMapField(recordVA elfcore.Addr, fieldIndex int, value elfcore.Addr) {
	if w.linkMap == nil {
		w.fail(fmt.Errorf("%w: PatchLinkMapField with no link-map segment in progress", elfcore.ErrReducedCoreBroken))
		return
	}
	width := elfcore.WidthOf(w.class)
	localOff := int(recordVA-w.linkMap.heapVA) + fieldIndex*int(width)
	if localOff < 0 || localOff+int(width) > len(w.linkMap.buf) {
		w.fail(fmt.Errorf("%w: PatchLinkMapField out of range", elfcore.ErrReducedCoreBroken))
		return
	}
	putAddr(w.linkMap.buf[localOff:], value, width)
}

// AddLinkMapEntry appends one link_map record followed by its
// NUL-terminated name string to the in-progress link-map segment. next
// and prev are written as given (0 terminates either direction; next
// can be set later with PatchLinkMapField); name_ptr is computed
// automatically as the VA immediately
// following the fixed-size record. Returns the VA the record itself was
// written at, so the caller can chain the following record's prev field.
func (w *Writer) AddLinkMapEntry(addr, ld, next, prev elfcore.Addr, name string) elfcore.Addr {
	if w.linkMap == nil {
		w.fail(fmt.Errorf("%w: AddLinkMapEntry with no link-map segment in progress", elfcore.ErrReducedCoreBroken))
		return 0
	}
	width := elfcore.WidthOf(w.class)
	recordVA := w.LinkMapCursor()
	nameVA := recordVA + elfcore.Addr(elfcore.LinkMapRecordSize(width))

	rec := make([]byte, elfcore.LinkMapRecordSize(width))
	putAddr(rec[0*int(width):], addr, width)
	putAddr(rec[1*int(width):], nameVA, width)
	putAddr(rec[2*int(width):], ld, width)
	putAddr(rec[3*int(width):], next, width)
	putAddr(rec[4*int(width):], prev, width)

	w.linkMap.buf = append(w.linkMap.buf, rec...)
	w.linkMap.buf = append(w.linkMap.buf, append([]byte(name), 0)...)
	return recordVA
}

func putAddr(b []byte, v elfcore.Addr, width elfcore.Width) {
	if width == elfcore.Width64 {
		binary.LittleEndian.PutUint64(b, uint64(v))
	} else {
		binary.LittleEndian.PutUint32(b, uint32(v))
	}
}

// FinalizeLinkMapSegment commits the in-progress link-map segment as a
// PT_LOAD program header and appends its accumulated bytes to the
// output, clearing the in-progress state.
func (w *Writer) FinalizeLinkMapSegment() {
	if w.linkMap == nil {
		w.fail(fmt.Errorf("%w: FinalizeLinkMapSegment with none in progress", elfcore.ErrReducedCoreBroken))
		return
	}
	lm := w.linkMap
	w.linkMap = nil

	ph := elf.ProgHeader{
		Type:   elf.PT_LOAD,
		Flags:  elf.PF_R,
		Vaddr:  uint64(lm.heapVA),
		Paddr:  uint64(lm.heapVA),
		Filesz: uint64(len(lm.buf)),
		Memsz:  uint64(len(lm.buf)),
		Align:  1,
	}
	w.AddOwnedSegment(ph, lm.buf)

	if logflags.Writer() {
		logflags.WriterLogger().Debugf("finalized link-map segment at %#x, %d bytes", lm.heapVA, len(lm.buf))
	}
}

// Flush sorts the program-header table by ascending p_vaddr (stable, so
// headers that begin at the same address keep their relative emission
// order), patches e_phnum into the ELF header, writes the program-header
// table into its reserved slot, and writes the whole buffer to path.
// Sorting only reorders the header table; segment data, referenced
// exclusively via p_offset, never moves.
func (w *Writer) Flush(path string) error {
	if w.Err != nil {
		return w.Err
	}

	sort.SliceStable(w.progs, func(i, j int) bool {
		return w.progs[i].Vaddr < w.progs[j].Vaddr
	})

	if w.class == elf.ELFCLASS64 {
		binary.LittleEndian.PutUint16(w.buf[56:58], uint16(len(w.progs)))
	} else {
		binary.LittleEndian.PutUint16(w.buf[44:46], uint16(len(w.progs)))
	}

	for i, ph := range w.progs {
		off := w.phTableAt + i*w.phsize
		w.writeProgHeader(w.buf[off:off+w.phsize], ph)
	}

	if err := os.WriteFile(path, w.buf, 0644); err != nil {
		return fmt.Errorf("%w: %v", elfcore.ErrIO, err)
	}
	if logflags.Writer() {
		logflags.WriterLogger().Debugf("flushed %d program headers, %d bytes total", len(w.progs), len(w.buf))
	}
	return nil
}

func (w *Writer) writeProgHeader(b []byte, ph elf.ProgHeader) {
	if w.class == elf.ELFCLASS64 {
		binary.LittleEndian.PutUint32(b[0:4], uint32(ph.Type))
		binary.LittleEndian.PutUint32(b[4:8], uint32(ph.Flags))
		binary.LittleEndian.PutUint64(b[8:16], ph.Off)
		binary.LittleEndian.PutUint64(b[16:24], ph.Vaddr)
		binary.LittleEndian.PutUint64(b[24:32], ph.Paddr)
		binary.LittleEndian.PutUint64(b[32:40], ph.Filesz)
		binary.LittleEndian.PutUint64(b[40:48], ph.Memsz)
		binary.LittleEndian.PutUint64(b[48:56], ph.Align)
		return
	}
	binary.LittleEndian.PutUint32(b[0:4], uint32(ph.Type))
	binary.LittleEndian.PutUint32(b[4:8], uint32(ph.Off))
	binary.LittleEndian.PutUint32(b[8:12], uint32(ph.Vaddr))
	binary.LittleEndian.PutUint32(b[12:16], uint32(ph.Paddr))
	binary.LittleEndian.PutUint32(b[16:20], uint32(ph.Filesz))
	binary.LittleEndian.PutUint32(b[20:24], uint32(ph.Memsz))
	binary.LittleEndian.PutUint32(b[24:28], uint32(ph.Flags))
	binary.LittleEndian.PutUint32(b[28:32], uint32(ph.Align))
}

// NumProgs returns the number of segments committed so far.
func (w *Writer) NumProgs() int {
	return len(w.progs)
}
