package elfcore

import "errors"

// Error taxonomy shared by every package in this module. Fatal errors
// (IO, MalformedELF, MalformedCore, ReducedCoreBroken) abort the
// reducer outright; recoverable errors (MissingDynamicInfo,
// MapsUnparseable) cause the affected phase to be skipped and a warning
// logged, never a crash.
var (
	// ErrIO wraps an underlying open/read/write failure.
	ErrIO = errors.New("elfcore: i/o failure")

	// ErrMalformedELF marks an ELF file that fails basic structural
	// validation: bad magic, unrecognised class, truncated header table.
	ErrMalformedELF = errors.New("elfcore: malformed ELF file")

	// ErrMalformedCore marks a core file missing data the reducer cannot
	// proceed without: no PT_NOTE, no PRSTATUS, no recoverable pid.
	ErrMalformedCore = errors.New("elfcore: malformed core file")

	// ErrMissingDynamicInfo marks an absence of dynamic-linker metadata
	// (.dynamic, DT_DEBUG, .interp) that is recoverable: the affected
	// phase is skipped rather than aborting the whole run.
	ErrMissingDynamicInfo = errors.New("elfcore: missing dynamic linker information")

	// ErrMapsUnparseable marks a /proc/<pid>/maps snapshot that could not
	// be opened or read.
	ErrMapsUnparseable = errors.New("elfcore: /proc/<pid>/maps unparseable")

	// ErrReducedCoreBroken marks an invariant violation inside the
	// writer or the reducer itself (program-header slot overflow, an
	// out-of-range overwrite or link-map patch, a phase called out of
	// order) -- it indicates a programming error, not bad input.
	ErrReducedCoreBroken = errors.New("elfcore: reduced core writer invariant violated")
)
