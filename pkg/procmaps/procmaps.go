// Package procmaps recovers the two pieces of process state that never
// survive into a plain core dump: the heap's base address and the list
// of shared objects mapped executable at the time of death. Both are
// read from a /proc/<pid>/maps snapshot, either the live file for a
// still-running pid or a caller-supplied capture taken before the
// process exited.
package procmaps

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sailfishos/corereduce/pkg/elfcore"
	"github.com/sailfishos/corereduce/pkg/logflags"
)

// SharedObject is one executable-mapped shared object found in a maps
// snapshot.
type SharedObject struct {
	BaseAddr elfcore.Addr
	Path     string
}

func mapsPath(pid int, override string) string {
	if override != "" {
		return override
	}
	return fmt.Sprintf("/proc/%d/maps", pid)
}

func openMaps(pid int, override string) (*os.File, error) {
	path := mapsPath(pid, override)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", elfcore.ErrMapsUnparseable, path, err)
	}
	return f, nil
}

// HeapAddress scans a maps snapshot for the "[heap]" mapping and returns
// its base address. ok is false when no such mapping is found or the
// file could not be read; the caller falls back to the configured
// predefined heap address in that case.
func HeapAddress(pid int, override string) (elfcore.Addr, bool) {
	f, err := openMaps(pid, override)
	if err != nil {
		logflags.ProcMapsLogger().Debugf("%v", err)
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, "[heap]") {
			continue
		}
		addr, ok := parseBaseAddr(line)
		if ok {
			return addr, true
		}
	}
	return 0, false
}

// SharedObjects scans a maps snapshot for executable mappings of shared
// objects (lines containing "r-xp" and ".so" but not "(deleted)"),
// returning one entry per matching line in file order; lines sharing a
// base address are not merged.
func SharedObjects(pid int, override string) ([]SharedObject, error) {
	f, err := openMaps(pid, override)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []SharedObject
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, "r-xp") {
			continue
		}
		if !strings.Contains(line, ".so") {
			continue
		}
		if strings.Contains(line, "(deleted)") {
			continue
		}
		addr, ok := parseBaseAddr(line)
		if !ok {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		path := fields[len(fields)-1]
		out = append(out, SharedObject{BaseAddr: addr, Path: path})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", elfcore.ErrMapsUnparseable, err)
	}
	if len(out) == 0 {
		logflags.ProcMapsLogger().Debugf("no shared objects found in maps snapshot")
	}
	return out, nil
}

// parseBaseAddr extracts the base address from a maps line's leading
// "start-end" field.
func parseBaseAddr(line string) (elfcore.Addr, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0, false
	}
	rng := strings.SplitN(fields[0], "-", 2)
	if len(rng) != 2 {
		return 0, false
	}
	v, err := strconv.ParseUint(rng[0], 16, 64)
	if err != nil {
		return 0, false
	}
	return elfcore.Addr(v), true
}
