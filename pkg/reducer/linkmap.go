package reducer

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/sailfishos/corereduce/pkg/corereader"
	"github.com/sailfishos/corereduce/pkg/elfcore"
	"github.com/sailfishos/corereduce/pkg/elfwriter"
)

// dtDebugEntry is the located DT_DEBUG dynamic entry's value (the VA of
// r_debug). findDTDebug returns the byte offset of its d_un field
// alongside it, so the caller can patch it in place.
type dtDebugEntry struct {
	dUn elfcore.Addr
}

// findDTDebug scans raw dynamic entries, starting at data[0], for a
// DT_DEBUG entry and returns it with the byte offset of its d_un field
// within data. segVA is the virtual address of data[0]; the scan does
// not use it.
func findDTDebug(data []byte, segVA elfcore.Addr, w elfcore.Width) (dtDebugEntry, int, bool) {
	step := int(w) * 2
	for off := 0; off+step <= len(data); off += step {
		tag := readAddrLE(data[off:], w)
		val := readAddrLE(data[off+int(w):], w)
		if elf.DynTag(tag) == elf.DT_DEBUG {
			return dtDebugEntry{dUn: val}, off + int(w), true
		}
		if elf.DynTag(tag) == elf.DT_NULL {
			break
		}
	}
	return dtDebugEntry{}, 0, false
}

// readLinkMapHead reads the r_map field out of an r_debug record located
// at localOff within data.
func readLinkMapHead(data []byte, localOff int, w elfcore.Width) (elfcore.Addr, error) {
	fieldOff := localOff + elfcore.RDebugLinkMapOffset(w)
	if fieldOff+int(w) > len(data) {
		return 0, fmt.Errorf("%w: r_debug record truncated", elfcore.ErrMalformedCore)
	}
	return readAddrLE(data[fieldOff:], w), nil
}

// decodedLinkMap is a link_map record decoded from the original core,
// still carrying its original (pre-relocation) name/ld/next addresses.
type decodedLinkMap struct {
	Addr elfcore.Addr
	Name elfcore.Addr
	LD   elfcore.Addr
	Next elfcore.Addr
}

func decodeLinkMap(data []byte, localOff int, w elfcore.Width) (decodedLinkMap, error) {
	recSize := elfcore.LinkMapRecordSize(w)
	if localOff+recSize > len(data) {
		return decodedLinkMap{}, fmt.Errorf("%w: link_map record truncated", elfcore.ErrMalformedCore)
	}
	b := data[localOff : localOff+recSize]
	return decodedLinkMap{
		Addr: readAddrLE(b[0*int(w):], w),
		Name: readAddrLE(b[1*int(w):], w),
		LD:   readAddrLE(b[2*int(w):], w),
		Next: readAddrLE(b[3*int(w):], w),
	}, nil
}

// resolveLinkMapName reads the NUL-terminated path string at nameVA from
// the original core. If the string cannot be located but nameVA matches
// the executable's own .interp address, the cached interpreter path
// recovered from the binary is used instead -- the core frequently
// leaves .interp's own copy of this string unmapped.
func resolveLinkMapName(core *corereader.CoreReader, nameVA, interpVA elfcore.Addr, interp string) string {
	if seg, ok := core.SegmentByAddress(nameVA); ok {
		data, err := core.SegmentData(seg)
		if err == nil {
			off := int(nameVA - elfcore.Addr(seg.Vaddr))
			if off >= 0 && off < len(data) {
				n := off
				for n < len(data) && data[n] != 0 {
					n++
				}
				if s := string(data[off:n]); s != "" {
					return s
				}
			}
		}
	}
	if interpVA != 0 && nameVA == interpVA {
		return interp
	}
	return ""
}

func readAddrLE(b []byte, w elfcore.Width) elfcore.Addr {
	if w == elfcore.Width64 {
		return elfcore.Addr(binary.LittleEndian.Uint64(b))
	}
	return elfcore.Addr(binary.LittleEndian.Uint32(b))
}

func putAddrLE(b []byte, v elfcore.Addr, w elfcore.Width) {
	if w == elfcore.Width64 {
		binary.LittleEndian.PutUint64(b, uint64(v))
	} else {
		binary.LittleEndian.PutUint32(b, uint32(v))
	}
}

func putAddrAt(b []byte, off int, v elfcore.Addr, w elfcore.Width) {
	putAddrLE(b[off:], v, w)
}

func rDebugLinkMapOffset(w elfcore.Width) int {
	return elfcore.RDebugLinkMapOffset(w)
}

// patchNext rewrites the l_next field of the link_map record already
// committed at recordVA inside the writer's in-progress link-map
// segment to point at newNextVA. This is only legal while the segment is
// still in progress (the writer has not yet finalized it).
func patchNext(w *elfwriter.Writer, recordVA, newNextVA elfcore.Addr) {
	w.PatchLinkMapField(recordVA, 3, newNextVA)
}
