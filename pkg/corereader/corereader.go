// Package corereader provides read-only, random-access views over an
// input ELF core file: its header, its program-header table, and the
// byte ranges each program header designates. Lookups by virtual address
// scan the program-header table linearly, tolerating an input core whose
// PT_LOAD headers are not sorted by p_vaddr -- unlike the output side
// (pkg/elfwriter), which always emits its table in sorted order.
package corereader

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/sailfishos/corereduce/pkg/elfcore"
	"github.com/sailfishos/corereduce/pkg/logflags"
)

// CoreReader is a memory-mapped (or, failing that, fully buffered) view
// of an ELF core file.
type CoreReader struct {
	f    *os.File
	data []byte
	mmap bool
	ef   *elf.File
}

// Open maps path into memory and parses its ELF header and program-header
// table. It fails if the file is not a well-formed ELF core.
func Open(path string) (*CoreReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", elfcore.ErrIO, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", elfcore.ErrIO, err)
	}

	var data []byte
	mmapped := false
	if st.Size() > 0 {
		data, err = unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
		if err == nil {
			mmapped = true
		} else {
			logflags.NotesLogger().Debugf("mmap failed, falling back to full read: %v", err)
		}
	}
	if !mmapped {
		data = make([]byte, st.Size())
		if _, err := f.ReadAt(data, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %v", elfcore.ErrIO, err)
		}
	}

	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		unmap(data, mmapped)
		f.Close()
		return nil, fmt.Errorf("%w: %v", elfcore.ErrMalformedELF, err)
	}
	if ef.Type != elf.ET_CORE {
		unmap(data, mmapped)
		f.Close()
		return nil, fmt.Errorf("%w: input is not an ET_CORE file (type %v)", elfcore.ErrMalformedELF, ef.Type)
	}

	return &CoreReader{f: f, data: data, mmap: mmapped, ef: ef}, nil
}

func unmap(data []byte, mmapped bool) {
	if mmapped && len(data) > 0 {
		unix.Munmap(data)
	}
}

// Header returns the parsed ELF file header.
func (c *CoreReader) Header() elf.FileHeader {
	return c.ef.FileHeader
}

// ProgramHeaders returns every program header in file order.
func (c *CoreReader) ProgramHeaders() []*elf.Prog {
	return c.ef.Progs
}

// SegmentByAddress returns the program header whose [p_vaddr,
// p_vaddr+p_filesz) range contains va. The input core's PT_LOAD headers
// are not assumed to be sorted, so this is a linear scan rather than a
// binary search; the table is small enough (tens of entries) that this
// costs nothing in practice.
func (c *CoreReader) SegmentByAddress(va elfcore.Addr) (*elf.Prog, bool) {
	for _, p := range c.ef.Progs {
		start := elfcore.Addr(p.Vaddr)
		end := start + elfcore.Addr(p.Filesz)
		if va >= start && va < end {
			return p, true
		}
	}
	return nil, false
}

// SegmentByType returns the first program header of the given type.
func (c *CoreReader) SegmentByType(t elf.ProgType) (*elf.Prog, bool) {
	for _, p := range c.ef.Progs {
		if p.Type == t {
			return p, true
		}
	}
	return nil, false
}

// SegmentByIndex returns the i-th program header.
func (c *CoreReader) SegmentByIndex(i int) (*elf.Prog, bool) {
	if i < 0 || i >= len(c.ef.Progs) {
		return nil, false
	}
	return c.ef.Progs[i], true
}

// DataAtOffset returns a slice of the underlying file bytes, bounds
// checked against the mapped length.
func (c *CoreReader) DataAtOffset(off, n uint64) ([]byte, error) {
	if off > uint64(len(c.data)) || off+n > uint64(len(c.data)) {
		return nil, fmt.Errorf("%w: offset %d length %d beyond file size %d", elfcore.ErrIO, off, n, len(c.data))
	}
	return c.data[off : off+n], nil
}

// SegmentData returns the on-disk bytes of a program header.
func (c *CoreReader) SegmentData(p *elf.Prog) ([]byte, error) {
	return c.DataAtOffset(p.Off, p.Filesz)
}

// Close releases the mapping and the underlying file descriptor.
func (c *CoreReader) Close() error {
	unmap(c.data, c.mmap)
	return c.f.Close()
}
