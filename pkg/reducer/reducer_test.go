package reducer

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildPRStatusDesc builds a minimal NT_PRSTATUS descriptor for
// EM_X86_64: a 112-byte fixed prefix (pid at offset 32) followed by a
// register array with rsp at slot 19 (byte offset 264), matching the
// layout pkg/elfcore.StackPointer decodes.
func buildPRStatusDesc(pid int32, sp uint64) []byte {
	const prefixSize = 112
	const regsLen = 27 * 8
	desc := make([]byte, prefixSize+regsLen)
	binary.LittleEndian.PutUint32(desc[32:36], uint32(pid))
	binary.LittleEndian.PutUint64(desc[prefixSize+19*8:], sp)
	return desc
}

// buildPRPSInfoDesc builds a minimal NT_PRPSINFO descriptor for
// EM_X86_64: pr_psargs starts at offset 52 in the 64-bit layout (state
// block + 8-byte pr_flag + uid/gid + pid block + pr_fname).
func buildPRPSInfoDesc(name string) []byte {
	const psArgsOffset = 52
	const psArgsLen = 80
	desc := make([]byte, psArgsOffset+psArgsLen)
	copy(desc[psArgsOffset:], name)
	return desc
}

func buildNote(typ elf.NType, name string, desc []byte) []byte {
	var buf bytes.Buffer
	nameBytes := append([]byte(name), 0)
	binary.Write(&buf, binary.LittleEndian, uint32(len(nameBytes)))
	binary.Write(&buf, binary.LittleEndian, uint32(len(desc)))
	binary.Write(&buf, binary.LittleEndian, uint32(typ))
	buf.Write(nameBytes)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	buf.Write(desc)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// buildCore assembles a minimal ELF64 ET_CORE file with a PT_NOTE
// segment (one NT_PRSTATUS and one NT_PRPSINFO note) and a single PT_LOAD segment spanning
// [loadVA, loadVA+loadSize) containing the thread's stack.
func buildCore(t *testing.T, pid int32, sp, loadVA uint64, loadSize int) string {
	t.Helper()
	const ehsize, phentsize = 64, 56
	noteData := buildNote(elf.NT_PRSTATUS, "CORE", buildPRStatusDesc(pid, sp))
	noteData = append(noteData, buildNote(elf.NT_PRPSINFO, "CORE", buildPRPSInfoDesc("testprog"))...)

	n := 2 // PT_NOTE, PT_LOAD
	dataStart := uint64(ehsize + n*phentsize)
	noteOff := dataStart
	loadOff := noteOff + uint64(len(noteData))
	total := loadOff + uint64(loadSize)

	buf := make([]byte, total)
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = byte(elf.ELFCLASS64)
	buf[5] = byte(elf.ELFDATA2LSB)
	buf[6] = byte(elf.EV_CURRENT)
	binary.LittleEndian.PutUint16(buf[16:], uint16(elf.ET_CORE))
	binary.LittleEndian.PutUint16(buf[18:], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint64(buf[32:], ehsize)
	binary.LittleEndian.PutUint16(buf[52:], ehsize)
	binary.LittleEndian.PutUint16(buf[54:], phentsize)
	binary.LittleEndian.PutUint16(buf[56:], uint16(n))

	writePhdr := func(idx int, typ elf.ProgType, off, vaddr uint64, size uint64) {
		p := ehsize + idx*phentsize
		binary.LittleEndian.PutUint32(buf[p:], uint32(typ))
		binary.LittleEndian.PutUint32(buf[p+4:], uint32(elf.PF_R|elf.PF_W))
		binary.LittleEndian.PutUint64(buf[p+8:], off)
		binary.LittleEndian.PutUint64(buf[p+16:], vaddr)
		binary.LittleEndian.PutUint64(buf[p+24:], vaddr)
		binary.LittleEndian.PutUint64(buf[p+32:], size)
		binary.LittleEndian.PutUint64(buf[p+40:], size)
		binary.LittleEndian.PutUint64(buf[p+48:], 1)
	}
	writePhdr(0, elf.PT_NOTE, noteOff, 0, uint64(len(noteData)))
	writePhdr(1, elf.PT_LOAD, loadOff, loadVA, uint64(loadSize))

	copy(buf[noteOff:], noteData)

	dir := t.TempDir()
	path := filepath.Join(dir, "test.core")
	if err := os.WriteFile(path, buf, 0600); err != nil {
		t.Fatalf("writing test core: %v", err)
	}
	return path
}

// buildExecutable assembles a minimal, statically-linked ELF64 ET_EXEC
// file with no section headers -- enough for binreader.Open to succeed
// while every dynamic-linker query returns ErrMissingDynamicInfo.
func buildExecutable(t *testing.T) string {
	t.Helper()
	const ehsize = 64
	buf := make([]byte, ehsize)
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = byte(elf.ELFCLASS64)
	buf[5] = byte(elf.ELFDATA2LSB)
	buf[6] = byte(elf.EV_CURRENT)
	binary.LittleEndian.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(buf[18:], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint16(buf[52:], ehsize)

	dir := t.TempDir()
	path := filepath.Join(dir, "exe")
	if err := os.WriteFile(path, buf, 0700); err != nil {
		t.Fatalf("writing test executable: %v", err)
	}
	return path
}

func TestReducer_stacksOnly(t *testing.T) {
	const loadVA = 0x7f0000000000
	const loadSize = 0x10000
	const sp = loadVA + 0x8000

	corePath := buildCore(t, 42, sp, loadVA, loadSize)
	exePath := buildExecutable(t)
	outPath := filepath.Join(t.TempDir(), "out.core")

	r := New(Options{
		InputCore:  corePath,
		OutputCore: outPath,
		Executable: exePath,
		StacksOnly: true,
	})
	defer r.Close()

	if err := r.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("reopening output: %v", err)
	}
	if len(ef.Progs) != 2 {
		t.Fatalf("expected PT_NOTE + 1 narrowed stack, got %d headers", len(ef.Progs))
	}

	var stack *elf.Prog
	for _, p := range ef.Progs {
		if p.Type == elf.PT_LOAD {
			stack = p
		}
	}
	if stack == nil {
		t.Fatalf("expected a narrowed PT_LOAD stack segment")
	}
	if stack.Vaddr > sp {
		t.Fatalf("narrowed segment must start at or below sp: vaddr=%#x sp=%#x", stack.Vaddr, sp)
	}
	if stack.Vaddr+stack.Filesz != loadVA+loadSize {
		t.Fatalf("narrowed segment must preserve the original end: got end %#x, want %#x", stack.Vaddr+stack.Filesz, loadVA+loadSize)
	}
	if stack.Vaddr < loadVA {
		t.Fatalf("narrowed segment must not start before the original segment")
	}

	for i := 1; i < len(ef.Progs); i++ {
		if ef.Progs[i-1].Vaddr > ef.Progs[i].Vaddr {
			t.Fatalf("program headers not sorted by vaddr")
		}
		if ef.Progs[i-1].Off+ef.Progs[i-1].Filesz > uint64(len(data)) {
			t.Fatalf("segment offset/size exceeds file size")
		}
	}
}

func TestReducer_missingPRStatus(t *testing.T) {
	dir := t.TempDir()
	exePath := buildExecutable(t)

	// A core with only a PT_NOTE segment containing no notes at all.
	const ehsize, phentsize = 64, 56
	dataStart := uint64(ehsize + 1*phentsize)
	buf := make([]byte, dataStart)
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = byte(elf.ELFCLASS64)
	buf[5] = byte(elf.ELFDATA2LSB)
	buf[6] = byte(elf.EV_CURRENT)
	binary.LittleEndian.PutUint16(buf[16:], uint16(elf.ET_CORE))
	binary.LittleEndian.PutUint16(buf[18:], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint64(buf[32:], ehsize)
	binary.LittleEndian.PutUint16(buf[52:], ehsize)
	binary.LittleEndian.PutUint16(buf[54:], phentsize)
	binary.LittleEndian.PutUint16(buf[56:], 1)
	p := ehsize
	binary.LittleEndian.PutUint32(buf[p:], uint32(elf.PT_NOTE))
	binary.LittleEndian.PutUint64(buf[p+8:], dataStart)

	corePath := filepath.Join(dir, "empty.core")
	os.WriteFile(corePath, buf, 0600)

	r := New(Options{InputCore: corePath, OutputCore: filepath.Join(dir, "out.core"), Executable: exePath, StacksOnly: true})
	defer r.Close()

	if err := r.Run(); err == nil {
		t.Fatalf("expected an error for a core with no PRSTATUS notes")
	}
}
