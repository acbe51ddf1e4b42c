// Package reducer drives the coredump-reduction pipeline end to end: it
// reads an input core and its executable, recovers per-thread register
// and stack state from the core's notes, reconstructs or synthesises
// the dynamic linker's link map, and writes a reduced core through
// pkg/elfwriter. The orchestration is a strict linear sequence -- there
// is no re-entry and no concurrency -- matching the single-pass design
// of the tool this package reimplements.
package reducer

import (
	"debug/elf"
	"fmt"
	"math"

	"github.com/sailfishos/corereduce/pkg/binreader"
	"github.com/sailfishos/corereduce/pkg/corereader"
	"github.com/sailfishos/corereduce/pkg/elfcore"
	"github.com/sailfishos/corereduce/pkg/elfwriter"
	"github.com/sailfishos/corereduce/pkg/logflags"
	"github.com/sailfishos/corereduce/pkg/procmaps"
	"github.com/sailfishos/corereduce/pkg/reduceconfig"
)

// ntAuxv is the note type for notes containing a copy of the auxv array;
// debug/elf does not export this constant.
const ntAuxv elf.NType = 6

// stage tracks the orchestration's progress. parseNotes, openOutput and
// copySegments check it on entry and return ErrReducedCoreBroken when
// called out of order; Run is their only caller.
type stage int

const (
	stageUninit stage = iota
	stageLoaded
	stageNotesParsed
	stageStacksIdentified
	stageOutputOpened
	stageSegmentsCopied
	stageDynamicFixed
	stageLinkMapWritten
	stageFlushed
)

// Options configures one reduction run, mirroring the CLI flags in
// cmd/corereduce.
type Options struct {
	InputCore   string
	OutputCore  string
	Executable  string
	HeapAddress *elfcore.Addr // -a: overrides every other heap-address source
	MapsFile    string        // -m: forces synthesize mode for the link map
	StacksOnly  bool          // -s: skip the dynamic/link-map phases entirely
	Config      *reduceconfig.Config
}

// stackInfo is one thread's recovered stack pointer and originating pid.
type stackInfo struct {
	sp  elfcore.Addr
	pid int32
}

// Reducer drives a single reduction from input core to output core.
type Reducer struct {
	opts Options
	cfg  *reduceconfig.Config

	core *corereader.CoreReader
	bin  *binreader.BinaryReader
	w    *elfwriter.Writer

	stage stage

	minPID        int32
	execName      string
	atPHDR        elfcore.Addr
	haveAtPHDR    bool
	stackPointers []stackInfo
	narrowed      []elf.ProgHeader
}

// New prepares a Reducer for opts. A nil Config falls back to compiled-in
// defaults.
func New(opts Options) *Reducer {
	cfg := opts.Config
	if cfg == nil {
		cfg = reduceconfig.DefaultConfig()
	}
	return &Reducer{opts: opts, cfg: cfg, minPID: math.MaxInt32, stage: stageUninit}
}

// Run executes every phase in order and leaves a complete reduced core
// at opts.OutputCore on success. Any error aborts the run; the caller is
// responsible for removing a partially-written output file.
func (r *Reducer) Run() error {
	log := logflags.ReducerLogger()

	if err := r.load(); err != nil {
		return err
	}
	log.Debugf("loaded core %s and executable %s", r.opts.InputCore, r.opts.Executable)

	if err := r.parseNotes(); err != nil {
		return err
	}
	log.Debugf("parsed notes: %d threads, pid=%d, execname=%q", len(r.stackPointers), r.minPID, r.execName)

	r.identifyStacks()
	log.Debugf("identified %d narrowed stack segments", len(r.narrowed))

	if err := r.openOutput(); err != nil {
		return err
	}

	if err := r.copySegments(); err != nil {
		return err
	}
	log.Debugf("copied %d segments", r.w.NumProgs())

	if !r.opts.StacksOnly {
		if err := r.handleDynamicInfo(); err != nil {
			return err
		}
	}

	return r.flush()
}

func (r *Reducer) load() error {
	core, err := corereader.Open(r.opts.InputCore)
	if err != nil {
		return err
	}
	bin, err := binreader.Open(r.opts.Executable)
	if err != nil {
		core.Close()
		return err
	}
	r.core, r.bin = core, bin
	r.stage = stageLoaded
	return nil
}

// parseNotes walks the core's PT_NOTE segment, collecting the
// stack-pointer list, the minimum pid (the main thread's), and AT_PHDR.
func (r *Reducer) parseNotes() error {
	if r.stage != stageLoaded {
		return fmt.Errorf("%w: parseNotes called out of order", elfcore.ErrReducedCoreBroken)
	}

	noteSeg, ok := r.core.SegmentByType(elf.PT_NOTE)
	if !ok {
		return fmt.Errorf("%w: input core has no PT_NOTE segment", elfcore.ErrMalformedCore)
	}
	data, err := r.core.SegmentData(noteSeg)
	if err != nil {
		return err
	}

	class := r.core.Header().Class
	width := elfcore.WidthOf(class)
	machine := r.core.Header().Machine

	walkErr := elfcore.WalkNotes(data, func(n elfcore.Note) error {
		switch n.Type {
		case elf.NT_PRSTATUS:
			sp, pid, err := elfcore.StackPointer(machine, class, n.Desc, r.cfg.StackPointerIndex)
			if err != nil {
				if logflags.Notes() {
					logflags.NotesLogger().Warnf("skipping unreadable PRSTATUS note: %v", err)
				}
				return nil
			}
			r.stackPointers = append(r.stackPointers, stackInfo{sp: sp, pid: pid})
			if pid < r.minPID {
				r.minPID = pid
			}
		case elf.NT_PRPSINFO:
			r.execName = elfcore.PSArgs(n.Desc, width)
		case ntAuxv:
			for _, e := range elfcore.WalkAuxv(n.Desc, width) {
				if e.Tag == elfcore.ATPhdr {
					r.atPHDR = e.Val
					r.haveAtPHDR = true
				}
			}
		}
		return nil
	})
	if walkErr != nil {
		return walkErr
	}

	if len(r.stackPointers) == 0 || r.minPID == math.MaxInt32 {
		return fmt.Errorf("%w: no usable PRSTATUS notes", elfcore.ErrMalformedCore)
	}
	if r.execName == "" {
		return fmt.Errorf("%w: no executable name in PRPSINFO notes", elfcore.ErrMalformedCore)
	}

	r.stage = stageNotesParsed
	return nil
}

// identifyStacks narrows each thread's containing PT_LOAD down to the
// region at or above sp - stackAddition.
func (r *Reducer) identifyStacks() {
	addition := *r.cfg.StackAddition
	for _, si := range r.stackPointers {
		seg, ok := r.core.SegmentByAddress(si.sp)
		if !ok {
			logflags.NotesLogger().Debugf("no segment contains stack pointer %#x for pid %d, skipping", si.sp, si.pid)
			continue
		}
		segVaddr := elfcore.Addr(seg.Vaddr)
		segEnd := segVaddr + elfcore.Addr(seg.Filesz)

		vaddr := si.sp
		if vaddr < addition {
			vaddr = 0
		} else {
			vaddr -= addition
		}
		if vaddr < segVaddr {
			vaddr = segVaddr
		}

		delta := vaddr - segVaddr
		r.narrowed = append(r.narrowed, elf.ProgHeader{
			Type:   elf.PT_LOAD,
			Flags:  seg.Flags,
			Vaddr:  uint64(vaddr),
			Paddr:  uint64(vaddr),
			Off:    seg.Off + uint64(delta),
			Filesz: uint64(segEnd - vaddr),
			Memsz:  uint64(segEnd - vaddr),
			Align:  seg.Align,
		})
	}
	r.stage = stageStacksIdentified
}

func (r *Reducer) openOutput() error {
	if r.stage != stageStacksIdentified {
		return fmt.Errorf("%w: openOutput called out of order", elfcore.ErrReducedCoreBroken)
	}
	// one slot for PT_NOTE, one per narrowed stack, one for the dynamic
	// segment and one for the link-map segment, even if the latter two
	// end up unused (stacks-only mode).
	maxProgs := 1 + len(r.narrowed) + 2
	r.w = elfwriter.New(r.core.Header().Class, maxProgs)

	hdrBytes, err := r.core.DataAtOffset(0, uint64(ehsize(r.core.Header().Class)))
	if err != nil {
		return err
	}
	r.w.WriteELFHeader(hdrBytes)
	r.stage = stageOutputOpened
	return nil
}

func ehsize(class elf.Class) int {
	if class == elf.ELFCLASS64 {
		return 64
	}
	return 52
}

func (r *Reducer) copySegments() error {
	if r.stage != stageOutputOpened {
		return fmt.Errorf("%w: copySegments called out of order", elfcore.ErrReducedCoreBroken)
	}

	noteSeg, _ := r.core.SegmentByType(elf.PT_NOTE)
	noteData, err := r.core.SegmentData(noteSeg)
	if err != nil {
		return err
	}
	r.w.CopySegment(noteSeg.ProgHeader, noteData, nil)

	for _, ph := range r.narrowed {
		data, err := r.core.DataAtOffset(ph.Off, ph.Filesz)
		if err != nil {
			return err
		}
		r.w.AddOwnedSegment(ph, data)
	}

	r.stage = stageSegmentsCopied
	return nil
}

// handleDynamicInfo reconstructs the link map, choosing copy mode (when
// the core carries the original .dynamic/DT_DEBUG chain) or synthesize
// mode (when a maps file was supplied, or copy mode has nothing to
// copy). Failure here is recoverable: the phase is skipped with a
// warning rather than aborting the run.
func (r *Reducer) handleDynamicInfo() error {
	heapVA := r.resolveHeapAddress()

	if r.opts.MapsFile == "" {
		if err := r.copyLinkMap(heapVA); err == nil {
			r.stage = stageLinkMapWritten
			return nil
		} else if logflags.LinkMap() {
			logflags.LinkMapLogger().Warnf("copy mode unavailable, falling back to synthesis: %v", err)
		}
	}

	if err := r.synthesizeLinkMap(heapVA); err != nil {
		if logflags.LinkMap() {
			logflags.LinkMapLogger().Warnf("skipping link-map synthesis: %v", err)
		}
		return nil
	}
	r.stage = stageLinkMapWritten
	return nil
}

func (r *Reducer) resolveHeapAddress() elfcore.Addr {
	if r.opts.HeapAddress != nil {
		return *r.opts.HeapAddress
	}
	if addr, ok := procmaps.HeapAddress(int(r.minPID), r.opts.MapsFile); ok {
		return addr
	}
	return *r.cfg.PredefinedHeapAddress
}

// copyLinkMap patches the core's own DT_DEBUG entry to point at heapVA
// and copies the original link_map chain into the new segment, name
// strings and all.
func (r *Reducer) copyLinkMap(heapVA elfcore.Addr) error {
	if !r.haveAtPHDR {
		return fmt.Errorf("%w: no AT_PHDR in core auxv", elfcore.ErrMissingDynamicInfo)
	}
	bias, err := r.bin.LoadBias(r.atPHDR)
	if err != nil {
		return err
	}
	dynSec, err := r.bin.DynamicSection()
	if err != nil {
		return err
	}
	dynVA := elfcore.Addr(dynSec.Addr) + bias

	dynSeg, ok := r.core.SegmentByAddress(dynVA)
	if !ok {
		return fmt.Errorf("%w: no core segment covers the dynamic section", elfcore.ErrMissingDynamicInfo)
	}
	dynData, err := r.core.SegmentData(dynSeg)
	if err != nil {
		return err
	}

	width := elfcore.WidthOf(r.core.Header().Class)
	dynLocalOff := int(dynVA - elfcore.Addr(dynSeg.Vaddr))
	entries, debugOff, ok := findDTDebug(dynData[dynLocalOff:], dynVA, width)
	if !ok {
		return fmt.Errorf("%w: no DT_DEBUG entry found", elfcore.ErrMissingDynamicInfo)
	}
	debugOff += dynLocalOff

	rDebugVA := entries.dUn
	rDebugSeg, ok := r.core.SegmentByAddress(rDebugVA)
	if !ok {
		return fmt.Errorf("%w: DT_DEBUG points outside any core segment", elfcore.ErrMissingDynamicInfo)
	}
	rDebugData, err := r.core.SegmentData(rDebugSeg)
	if err != nil {
		return err
	}
	rDebugLocalOff := int(rDebugVA - elfcore.Addr(rDebugSeg.Vaddr))
	linkMapHeadVA, err := readLinkMapHead(rDebugData, rDebugLocalOff, width)
	if err != nil {
		return err
	}
	// Check the first record is readable before any segment is committed.
	headSeg, ok := r.core.SegmentByAddress(linkMapHeadVA)
	if linkMapHeadVA == 0 || !ok {
		return fmt.Errorf("%w: link_map chain was empty", elfcore.ErrMissingDynamicInfo)
	}
	headData, err := r.core.SegmentData(headSeg)
	if err != nil {
		return err
	}
	if _, err := decodeLinkMap(headData, int(linkMapHeadVA-elfcore.Addr(headSeg.Vaddr)), width); err != nil {
		return err
	}

	// Patch DT_DEBUG.d_un in the copied dynamic segment to point at heapVA.
	patched := make([]byte, int(width))
	putAddrLE(patched, heapVA, width)
	r.w.CopySegment(dynSeg.ProgHeader, dynData, &elfwriter.Overwrite{Offset: debugOff, Data: patched})

	interp, haveInterp, _ := r.bin.Interp()
	interpVA := elfcore.Addr(0)
	if haveInterp {
		if interpSec, ok := r.bin.SectionByName(".interp"); ok {
			interpVA = elfcore.Addr(interpSec.Addr) + bias
		}
	}

	r.w.StartLinkMapSegment(heapVA)
	rDebugHeader := make([]byte, elfcore.RDebugStructSize(width))
	copy(rDebugHeader, rDebugData[rDebugLocalOff:rDebugLocalOff+elfcore.RDebugStructSize(width)])
	firstRecordVA := heapVA + elfcore.Addr(elfcore.RDebugStructSize(width))
	putAddrAt(rDebugHeader, rDebugLinkMapOffset(width), firstRecordVA, width)
	r.w.AddRDebug(rDebugHeader)

	cur := linkMapHeadVA
	var prevNewVA elfcore.Addr
	count := 0
	for cur != 0 {
		seg, ok := r.core.SegmentByAddress(cur)
		if !ok {
			break
		}
		data, err := r.core.SegmentData(seg)
		if err != nil {
			break
		}
		localOff := int(cur - elfcore.Addr(seg.Vaddr))
		rec, err := decodeLinkMap(data, localOff, width)
		if err != nil {
			break
		}

		name := resolveLinkMapName(r.core, rec.Name, interpVA, interp)

		newVA := r.w.AddLinkMapEntry(rec.Addr, rec.LD, 0, prevNewVA, name)
		if count > 0 {
			patchNext(r.w, prevNewVA, newVA)
		}
		prevNewVA = newVA
		count++
		cur = rec.Next
	}

	r.w.FinalizeLinkMapSegment()
	if count == 0 {
		return fmt.Errorf("%w: link_map chain was empty", elfcore.ErrMissingDynamicInfo)
	}
	return nil
}

// synthesizeLinkMap builds a dynamic segment and link-map chain from
// scratch using a /proc/<pid>/maps snapshot, starting with an empty head
// record as the original tool does.
func (r *Reducer) synthesizeLinkMap(heapVA elfcore.Addr) error {
	objs, err := procmaps.SharedObjects(int(r.minPID), r.opts.MapsFile)
	if err != nil {
		return err
	}
	if len(objs) == 0 {
		return fmt.Errorf("%w: no shared objects in maps snapshot", elfcore.ErrMissingDynamicInfo)
	}

	width := elfcore.WidthOf(r.core.Header().Class)

	dynSec, err := r.bin.DynamicSection()
	dynSize := uint64(0)
	dynVA := heapVA // placed adjacent to the link map if the executable has none
	if err == nil {
		dynSize = dynSec.Size
		if r.haveAtPHDR {
			if bias, berr := r.bin.LoadBias(r.atPHDR); berr == nil {
				dynVA = elfcore.Addr(dynSec.Addr) + bias
			}
		}
	}
	if dynSize == 0 {
		dynSize = uint64(int(width) * 2 * 2) // room for one DT_NEEDED-shaped slot + DT_NULL
	}
	synthDyn := make([]byte, dynSize)
	for off := uint64(0); off+uint64(width)*2 <= dynSize-uint64(width)*2; off += uint64(width) * 2 {
		putAddrAt(synthDyn, int(off), heapVA, width)
	}
	r.w.AddOwnedSegment(elf.ProgHeader{
		Type: elf.PT_LOAD, Flags: elf.PF_R,
		Vaddr: uint64(dynVA), Paddr: uint64(dynVA),
		Filesz: dynSize, Memsz: dynSize, Align: 1,
	}, synthDyn)

	r.w.StartLinkMapSegment(heapVA)
	rDebugHeader := make([]byte, elfcore.RDebugStructSize(width))
	firstRecordVA := heapVA + elfcore.Addr(elfcore.RDebugStructSize(width))
	putAddrAt(rDebugHeader, rDebugLinkMapOffset(width), firstRecordVA, width)
	r.w.AddRDebug(rDebugHeader)

	// Empty head record, matching the original synthesiser's convention.
	headVA := r.w.AddLinkMapEntry(0, 0, 0, 0, "")
	prevVA := headVA
	for _, obj := range objs {
		newVA := r.w.AddLinkMapEntry(obj.BaseAddr, 0, 0, prevVA, obj.Path)
		patchNext(r.w, prevVA, newVA)
		prevVA = newVA
	}

	r.w.FinalizeLinkMapSegment()
	return nil
}

func (r *Reducer) flush() error {
	if err := r.w.Flush(r.opts.OutputCore); err != nil {
		return err
	}
	r.stage = stageFlushed
	return nil
}

// Close releases the input core and executable mappings. Safe to call
// even if Run failed partway through.
func (r *Reducer) Close() {
	if r.bin != nil {
		r.bin.Close()
	}
	if r.core != nil {
		r.core.Close()
	}
}
