package corereader

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/sailfishos/corereduce/pkg/elfcore"
)

// buildMinimalCore assembles a tiny well-formed ELF64 core with the
// given PT_LOAD ranges (vaddr, size), each segment filled with its
// one-based index as a repeated byte, for exercising CoreReader's
// lookups end to end.
func buildMinimalCore(t *testing.T, segs [][2]uint64) string {
	t.Helper()
	const ehsize = 64
	const phentsize = 56
	n := len(segs)
	dataStart := uint64(ehsize + n*phentsize)

	buf := make([]byte, dataStart)
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = byte(elf.ELFCLASS64)
	buf[5] = byte(elf.ELFDATA2LSB)
	buf[6] = byte(elf.EV_CURRENT)
	binary.LittleEndian.PutUint16(buf[16:], uint16(elf.ET_CORE))
	binary.LittleEndian.PutUint16(buf[18:], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint64(buf[32:], ehsize)       // e_phoff
	binary.LittleEndian.PutUint16(buf[52:], ehsize)        // e_ehsize
	binary.LittleEndian.PutUint16(buf[54:], phentsize)     // e_phentsize
	binary.LittleEndian.PutUint16(buf[56:], uint16(n))     // e_phnum

	offsets := make([]uint64, n)
	off := dataStart
	for i, s := range segs {
		offsets[i] = off
		off += s[1]
	}

	for i, s := range segs {
		p := ehsize + i*phentsize
		binary.LittleEndian.PutUint32(buf[p:], uint32(elf.PT_LOAD))
		binary.LittleEndian.PutUint32(buf[p+4:], uint32(elf.PF_R))
		binary.LittleEndian.PutUint64(buf[p+8:], offsets[i])  // p_offset
		binary.LittleEndian.PutUint64(buf[p+16:], s[0])       // p_vaddr
		binary.LittleEndian.PutUint64(buf[p+24:], s[0])       // p_paddr
		binary.LittleEndian.PutUint64(buf[p+32:], s[1])       // p_filesz
		binary.LittleEndian.PutUint64(buf[p+40:], s[1])       // p_memsz
		binary.LittleEndian.PutUint64(buf[p+48:], 1)          // p_align
	}

	full := make([]byte, off)
	copy(full, buf)
	for i, s := range segs {
		for j := uint64(0); j < s[1]; j++ {
			full[offsets[i]+j] = byte(i + 1)
		}
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "test.core")
	if err := os.WriteFile(path, full, 0600); err != nil {
		t.Fatalf("writing test core: %v", err)
	}
	return path
}

func TestOpen_rejectsNonCore(t *testing.T) {
	path := buildMinimalCore(t, [][2]uint64{{0x1000, 0x10}})
	// flip ET_CORE to ET_EXEC in place to exercise the type check.
	data, _ := os.ReadFile(path)
	binary.LittleEndian.PutUint16(data[16:], uint16(elf.ET_EXEC))
	os.WriteFile(path, data, 0600)

	_, err := Open(path)
	if err == nil {
		t.Fatalf("expected an error for a non-core ELF file")
	}
}

func TestSegmentByAddress(t *testing.T) {
	path := buildMinimalCore(t, [][2]uint64{
		{0x1000, 0x100},
		{0x2000, 0x200},
		{0x5000, 0x10},
	})
	cr, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cr.Close()

	p, ok := cr.SegmentByAddress(elfcore.Addr(0x2050))
	if !ok {
		t.Fatalf("expected a match at 0x2050")
	}
	if p.Vaddr != 0x2000 {
		t.Fatalf("expected segment at 0x2000, got %#x", p.Vaddr)
	}

	if _, ok := cr.SegmentByAddress(elfcore.Addr(0x3000)); ok {
		t.Fatalf("expected no match in the gap at 0x3000")
	}

	p, ok = cr.SegmentByAddress(elfcore.Addr(0x500f))
	if !ok || p.Vaddr != 0x5000 {
		t.Fatalf("expected a match at the last byte of the final segment")
	}
}

func TestSegmentByAddress_unsortedSegments(t *testing.T) {
	// PT_LOAD headers appear in descending p_vaddr order here; lookups
	// must still succeed via the linear scan.
	path := buildMinimalCore(t, [][2]uint64{
		{0x5000, 0x10},
		{0x2000, 0x200},
		{0x1000, 0x100},
	})
	cr, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cr.Close()

	p, ok := cr.SegmentByAddress(elfcore.Addr(0x2050))
	if !ok || p.Vaddr != 0x2000 {
		t.Fatalf("expected a match at 0x2000 despite unsorted input")
	}
}

func TestSegmentByType(t *testing.T) {
	path := buildMinimalCore(t, [][2]uint64{{0x1000, 0x10}})
	cr, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cr.Close()

	if _, ok := cr.SegmentByType(elf.PT_LOAD); !ok {
		t.Fatalf("expected to find a PT_LOAD segment")
	}
	if _, ok := cr.SegmentByType(elf.PT_DYNAMIC); ok {
		t.Fatalf("did not expect a PT_DYNAMIC segment")
	}
}

func TestDataAtOffset_boundsChecked(t *testing.T) {
	path := buildMinimalCore(t, [][2]uint64{{0x1000, 0x10}})
	cr, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cr.Close()

	if _, err := cr.DataAtOffset(0, 4); err != nil {
		t.Fatalf("unexpected error reading header bytes: %v", err)
	}
	if _, err := cr.DataAtOffset(1<<40, 4); err == nil {
		t.Fatalf("expected an error reading past end of file")
	}
}
