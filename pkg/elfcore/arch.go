package elfcore

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
)

// ErrUnsupportedArch is returned when the note walker encounters a core
// produced for a machine type this package does not know how to extract
// a stack pointer from.
var ErrUnsupportedArch = errors.New("elfcore: unsupported machine type")

// prStatus mirrors the fixed prefix of struct elf_prstatus that precedes
// pr_reg in every architecture's NT_PRSTATUS descriptor: signal info
// (pr_info, pr_cursig, pr_sigpend, pr_sighold), pid/ppid/pgrp/sid and
// four timeval pairs. Only the fields the reducer consults are named;
// the rest is skipped via byte count, matching the layouts used by
// Linux's binfmt_elf.c dumper.
//
// On 32-bit, pr_sigpend/pr_sighold are 4-byte unsigned longs and need no
// extra alignment padding after pr_info(12)+pr_cursig(2)+pad(2); the pid
// block then starts at offset 24.
type prStatusPrefix32 struct {
	_      [24]byte // pr_info, pr_cursig, pad, pr_sigpend, pr_sighold
	Pid    int32
	Ppid   int32
	Pgrp   int32
	Sid    int32
	UTime  [2]int32
	STime  [2]int32
	CUTime [2]int32
	CSTime [2]int32
}

// On 64-bit, pr_sigpend/pr_sighold are 8-byte unsigned longs requiring
// 8-byte alignment: pr_info(12)+pr_cursig(2) leaves offset 14, padded to
// 16, then the two 8-byte fields bring the pid block to offset 32.
type prStatusPrefix64 struct {
	_      [32]byte // pr_info, pr_cursig, pad, pr_sigpend, pr_sighold
	Pid    int32
	Ppid   int32
	Pgrp   int32
	Sid    int32
	UTime  [2]int64
	STime  [2]int64
	CUTime [2]int64
	CSTime [2]int64
}

// defaultStackPointerIndex maps an elf.Machine to the pr_reg slot its
// stack pointer lives at, keyed by the machine's String() form so a
// reduceconfig.Config overlay can override an entry without this
// package exposing elf.Machine plumbing to its caller.
var defaultStackPointerIndex = map[string]int{
	elf.EM_386.String():    15,
	elf.EM_ARM.String():    13,
	elf.EM_X86_64.String(): 19,
}

// StackPointer extracts the stack pointer and originating pid from a raw
// NT_PRSTATUS descriptor for the given machine/class combination. The
// register-file layout inside pr_reg is architecture-specific: i386 and
// ARM expose it as a flat word array indexed by a fixed slot, x86-64's
// kernel user_regs_struct likewise but at a different slot, and arm64's
// user_pt_regs names its stack pointer field directly rather than
// indexing into a generic array.
//
// overrides, when non-nil, replaces the default register slot for an
// indexed architecture (it has no effect on arm64, which has no slot to
// override); a nil or non-matching map just falls back to the default.
func StackPointer(machine elf.Machine, class elf.Class, desc []byte, overrides map[string]int) (sp Addr, pid int32, err error) {
	regIndex := func(m elf.Machine) int {
		if overrides != nil {
			if idx, ok := overrides[m.String()]; ok {
				return idx
			}
		}
		return defaultStackPointerIndex[m.String()]
	}

	switch machine {
	case elf.EM_386:
		return stackPointer32(desc, regIndex(machine))
	case elf.EM_ARM:
		return stackPointer32(desc, regIndex(machine))
	case elf.EM_X86_64:
		return stackPointer64(desc, regIndex(machine))
	case elf.EM_AARCH64:
		return stackPointerAArch64(desc)
	default:
		return 0, 0, ErrUnsupportedArch
	}
}

const prefix32Size = 72 // offset of pr_reg within struct elf_prstatus, 32-bit

func stackPointer32(desc []byte, regIndex int) (Addr, int32, error) {
	if len(desc) < prefix32Size {
		return 0, 0, ErrMalformedCore
	}
	var pre prStatusPrefix32
	if err := binary.Read(bytes.NewReader(desc[:prefix32Size]), binary.LittleEndian, &pre); err != nil {
		return 0, 0, err
	}
	regs := desc[prefix32Size:]
	off := regIndex * 4
	if off+4 > len(regs) {
		return 0, 0, ErrMalformedCore
	}
	sp := binary.LittleEndian.Uint32(regs[off : off+4])
	return Addr(sp), pre.Pid, nil
}

const prefix64Size = 112 // offset of pr_reg within struct elf_prstatus, 64-bit

func stackPointer64(desc []byte, regIndex int) (Addr, int32, error) {
	if len(desc) < prefix64Size {
		return 0, 0, ErrMalformedCore
	}
	var pre prStatusPrefix64
	if err := binary.Read(bytes.NewReader(desc[:prefix64Size]), binary.LittleEndian, &pre); err != nil {
		return 0, 0, err
	}
	regs := desc[prefix64Size:]
	off := regIndex * 8
	if off+8 > len(regs) {
		return 0, 0, ErrMalformedCore
	}
	sp := binary.LittleEndian.Uint64(regs[off : off+8])
	return Addr(sp), pre.Pid, nil
}

// stackPointerAArch64 reads the sp field of struct user_pt_regs, which
// the kernel lays out as 31 general-purpose 64-bit registers followed by
// sp, pc and pstate -- a named field, not a slot in a flat array like
// the 32-bit architectures above.
func stackPointerAArch64(desc []byte) (Addr, int32, error) {
	if len(desc) < prefix64Size {
		return 0, 0, ErrMalformedCore
	}
	var pre prStatusPrefix64
	if err := binary.Read(bytes.NewReader(desc[:prefix64Size]), binary.LittleEndian, &pre); err != nil {
		return 0, 0, err
	}
	regs := desc[prefix64Size:]
	const spFieldOffset = 31 * 8 // sp follows 31 general-purpose registers
	if spFieldOffset+8 > len(regs) {
		return 0, 0, ErrMalformedCore
	}
	sp := binary.LittleEndian.Uint64(regs[spFieldOffset : spFieldOffset+8])
	return Addr(sp), pre.Pid, nil
}
