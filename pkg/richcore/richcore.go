// Package richcore splits a rich-core archive -- a concatenation of files
// delimited by "[---rich-core: <name>---]\n" marker lines, optionally
// lzop-compressed -- into one file per marker under an output directory.
package richcore

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	headerPrefix = "[---rich-core: "
	headerSuffix = "---]"
)

// DeriveOutputDir strips a .rcore or .rcore.lzo suffix from an input path
// to produce a default extraction directory. The second return value is
// false when the input carries neither suffix, meaning the caller must
// supply an output directory explicitly.
func DeriveOutputDir(inputPath string) (string, bool) {
	switch {
	case strings.HasSuffix(inputPath, ".rcore.lzo"):
		return strings.TrimSuffix(inputPath, ".rcore.lzo"), true
	case strings.HasSuffix(inputPath, ".rcore"):
		return strings.TrimSuffix(inputPath, ".rcore"), true
	default:
		return "", false
	}
}

// isLZOP reports whether data begins with the lzop magic sequence.
func isLZOP(data []byte) bool {
	magic := []byte{0x89, 'L', 'Z', 'O', 0x00, 0x0d, 0x0a, 0x1a, 0x0a}
	return len(data) >= len(magic) && string(data[:len(magic)]) == string(magic)
}

// Extract reads the archive at inputPath, decompressing it through an
// external "lzop -d -c" pipe when its header indicates lzop compression,
// and splits its plaintext content into outputDir, one file per
// "[---rich-core: <name>---]" marker. outputDir must not already exist.
// Content before the first marker is discarded. Returns the list of
// extracted file paths in the order they were written.
func Extract(inputPath, outputDir string) ([]string, error) {
	if _, err := os.Stat(outputDir); err == nil {
		return nil, fmt.Errorf("output directory %s already exists", outputDir)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("checking output directory: %w", err)
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("opening input: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	peek, err := br.Peek(9)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading input header: %w", err)
	}

	var src io.Reader = br
	var cmd *exec.Cmd
	if isLZOP(peek) {
		cmd = exec.Command("lzop", "-d", "-c")
		cmd.Stdin = br
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("piping lzop output: %w", err)
		}
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting lzop: %w", err)
		}
		src = stdout
	}

	if err := os.MkdirAll(outputDir, 0777); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	paths, splitErr := split(src, outputDir)

	if cmd != nil {
		if err := cmd.Wait(); err != nil && splitErr == nil {
			splitErr = fmt.Errorf("lzop exited with error: %w", err)
		}
	}
	return paths, splitErr
}

// split scans r line by line, writing lines between consecutive markers to
// the file named by the preceding marker under dir. A marker's basename
// (via filepath.Base, guarding against path traversal in a malicious
// archive) names the output file.
func split(r io.Reader, dir string) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 1<<26)

	var (
		paths   []string
		current *os.File
	)
	defer func() {
		if current != nil {
			current.Close()
		}
	}()

	closeCurrent := func() error {
		if current == nil {
			return nil
		}
		err := current.Close()
		current = nil
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := parseMarker(line); ok {
			if err := closeCurrent(); err != nil {
				return paths, fmt.Errorf("closing extracted file: %w", err)
			}
			outPath := filepath.Join(dir, filepath.Base(name))
			out, err := os.Create(outPath)
			if err != nil {
				return paths, fmt.Errorf("creating %s: %w", outPath, err)
			}
			current = out
			paths = append(paths, outPath)
			continue
		}
		if current == nil {
			// Content preceding the first marker is discarded.
			continue
		}
		if _, err := current.WriteString(line + "\n"); err != nil {
			return paths, fmt.Errorf("writing %s: %w", current.Name(), err)
		}
	}
	if err := scanner.Err(); err != nil {
		return paths, fmt.Errorf("reading archive: %w", err)
	}
	if err := closeCurrent(); err != nil {
		return paths, fmt.Errorf("closing extracted file: %w", err)
	}
	return paths, nil
}

// parseMarker recognizes a line of the form "[---rich-core: <name>---]"
// and returns the name.
func parseMarker(line string) (string, bool) {
	if !strings.HasPrefix(line, headerPrefix) || !strings.HasSuffix(line, headerSuffix) {
		return "", false
	}
	name := line[len(headerPrefix) : len(line)-len(headerSuffix)]
	if name == "" {
		return "", false
	}
	return name, true
}
