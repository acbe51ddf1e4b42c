package richcore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDeriveOutputDir(t *testing.T) {
	cases := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"/tmp/crash.rcore.lzo", "/tmp/crash", true},
		{"/tmp/crash.rcore", "/tmp/crash", true},
		{"/tmp/crash.tar", "", false},
	}
	for _, c := range cases {
		got, ok := DeriveOutputDir(c.in)
		if ok != c.wantOK || got != c.want {
			t.Errorf("DeriveOutputDir(%q) = (%q, %v), want (%q, %v)", c.in, got, ok, c.want, c.wantOK)
		}
	}
}

func TestParseMarker(t *testing.T) {
	name, ok := parseMarker("[---rich-core: crashlog.txt---]")
	if !ok || name != "crashlog.txt" {
		t.Fatalf("parseMarker: got (%q, %v)", name, ok)
	}
	if _, ok := parseMarker("not a marker"); ok {
		t.Fatalf("parseMarker: expected no match on a plain line")
	}
}

func TestExtract_splitsOnMarkers(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "test.rcore")
	content := "A\n[---rich-core: x---]\nB\n[---rich-core: y---]\nC\n"
	if err := os.WriteFile(inputPath, []byte(content), 0600); err != nil {
		t.Fatalf("writing input: %v", err)
	}

	outDir := filepath.Join(dir, "out")
	paths, err := Extract(inputPath, outDir)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 extracted files, got %d: %v", len(paths), paths)
	}

	xData, err := os.ReadFile(filepath.Join(outDir, "x"))
	if err != nil {
		t.Fatalf("reading x: %v", err)
	}
	if string(xData) != "B\n" {
		t.Fatalf("x content = %q, want %q", xData, "B\n")
	}

	yData, err := os.ReadFile(filepath.Join(outDir, "y"))
	if err != nil {
		t.Fatalf("reading y: %v", err)
	}
	if string(yData) != "C\n" {
		t.Fatalf("y content = %q, want %q", yData, "C\n")
	}
}

func TestExtract_refusesExistingOutputDir(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "test.rcore")
	os.WriteFile(inputPath, []byte("[---rich-core: x---]\nB\n"), 0600)

	outDir := filepath.Join(dir, "out")
	if err := os.Mkdir(outDir, 0777); err != nil {
		t.Fatalf("creating pre-existing output dir: %v", err)
	}

	if _, err := Extract(inputPath, outDir); err == nil {
		t.Fatalf("expected an error when the output directory already exists")
	}
}

func TestExtract_discardsContentBeforeFirstMarker(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "test.rcore")
	os.WriteFile(inputPath, []byte("garbage preamble\nmore junk\n[---rich-core: only---]\nkept\n"), 0600)

	outDir := filepath.Join(dir, "out")
	paths, err := Extract(inputPath, outDir)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected 1 extracted file, got %d", len(paths))
	}
	data, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(data) != "kept\n" {
		t.Fatalf("content = %q, want %q", data, "kept\n")
	}
}
