package logfile

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/ehrlich-b/logsanitizer/internal/sanitize"
)

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDumpRoundTrip(t *testing.T) {
	lines := []string{"first line", "", "third line with trailing space ", "last"}

	for _, compress := range []bool{false, true} {
		dir := t.TempDir()
		f := New(filepath.Join(dir, "pod-1"), "", nil, nil)
		f.SetContent(lines)

		name, err := f.Dump(compress)
		if err != nil {
			t.Fatalf("Dump(compress=%v) failed: %v", compress, err)
		}
		if name != f.DumpName(compress) {
			t.Errorf("expected %s, got %s", f.DumpName(compress), name)
		}

		got, err := ReadLines(name)
		if err != nil {
			t.Fatalf("ReadLines failed: %v", err)
		}
		if !equalLines(got, lines) {
			t.Errorf("compress=%v: round trip mismatch: got %q, want %q", compress, got, lines)
		}
	}
}

func TestDumpCompressedIsGzip(t *testing.T) {
	dir := t.TempDir()
	f := New(filepath.Join(dir, "pod"), "", nil, nil)
	f.SetContent([]string{"a", "b"})

	name, err := f.Dump(true)
	if err != nil {
		t.Fatalf("Dump failed: %v", err)
	}

	raw, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	gr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("expected gzip file: %v", err)
	}
	defer gr.Close()
}

func TestFileNames(t *testing.T) {
	tests := []struct {
		tags      string
		sanitized bool
		compress  bool
		want      string
	}{
		{"", false, false, "/out/ns/pod"},
		{"", false, true, "/out/ns/pod.gz"},
		{"", true, false, "/out/ns/pod.sanitized"},
		{"", true, true, "/out/ns/pod.sanitized.gz"},
		{TagPrevious, false, false, "/out/ns/pod.previous"},
		{TagPrevious, false, true, "/out/ns/pod.previous.gz"},
		{TagPrevious, true, false, "/out/ns/pod.previous.sanitized"},
		{TagPrevious, true, true, "/out/ns/pod.previous.sanitized.gz"},
	}

	for _, tt := range tests {
		f := New("/out/ns/pod", tt.tags, nil, nil)
		var got string
		if tt.sanitized {
			got = f.SanitizedName(tt.compress)
		} else {
			got = f.DumpName(tt.compress)
		}
		if got != tt.want {
			t.Errorf("tags=%q sanitized=%v compress=%v: got %s, want %s",
				tt.tags, tt.sanitized, tt.compress, got, tt.want)
		}
	}
}

func TestEmptyContentIsNoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quiet-pod")
	s := sanitize.MustCompile([]sanitize.Rule{{Pattern: "x", Replace: "y"}})
	f := New(path, "", func() ([]string, error) { return nil, nil }, s)

	for _, compress := range []bool{false, true} {
		name, err := f.Dump(compress)
		if err != nil || name != "" {
			t.Errorf("Dump: expected no-op, got %q, %v", name, err)
		}
		name, err = f.SanitizeAndDump(compress)
		if err != nil || name != "" {
			t.Errorf("SanitizeAndDump: expected no-op, got %q, %v", name, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no files, found %d", len(entries))
	}
}

func TestSanitizeAndDumpWithoutRulesIsNoop(t *testing.T) {
	dir := t.TempDir()
	f := New(filepath.Join(dir, "pod"), "", nil, nil)
	f.SetContent([]string{"password=secret"})

	name, err := f.SanitizeAndDump(false)
	if err != nil {
		t.Fatalf("SanitizeAndDump failed: %v", err)
	}
	if name != "" {
		t.Errorf("expected no file without rules, got %s", name)
	}
}

func TestSanitizeAndDump(t *testing.T) {
	dir := t.TempDir()
	s := sanitize.MustCompile([]sanitize.Rule{{Pattern: `password=\S+`, Replace: "password=***"}})
	f := New(filepath.Join(dir, "api-0"), TagPrevious, nil, s)
	f.SetContent([]string{"start", "PASSWORD=hunter2 accepted"})

	name, err := f.SanitizeAndDump(true)
	if err != nil {
		t.Fatalf("SanitizeAndDump failed: %v", err)
	}
	if filepath.Base(name) != "api-0.previous.sanitized.gz" {
		t.Errorf("unexpected file name %s", name)
	}

	got, err := ReadLines(name)
	if err != nil {
		t.Fatalf("ReadLines failed: %v", err)
	}
	want := []string{"start", "password=*** accepted"}
	if !equalLines(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestLoaderCalledOnce(t *testing.T) {
	dir := t.TempDir()
	calls := 0
	f := New(filepath.Join(dir, "pod"), "", func() ([]string, error) {
		calls++
		return []string{"line"}, nil
	}, sanitize.MustCompile([]sanitize.Rule{{Pattern: "line", Replace: "LINE"}}))

	if _, err := f.Dump(false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.SanitizeAndDump(false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Content(); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("expected loader to run once, ran %d times", calls)
	}
}

func TestLoaderError(t *testing.T) {
	boom := errors.New("boom")
	f := New(filepath.Join(t.TempDir(), "pod"), "", func() ([]string, error) {
		return nil, boom
	}, nil)

	if _, err := f.Dump(false); !errors.Is(err, boom) {
		t.Errorf("expected loader error, got %v", err)
	}
}

func TestReadBackExistingDump(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "plain.log")
	if err := os.WriteFile(plain, []byte("a\ntoken=abc\nc"), 0644); err != nil {
		t.Fatal(err)
	}

	s := sanitize.MustCompile([]sanitize.Rule{{Pattern: `token=\w+`, Replace: "token=***"}})
	f := New(plain, "", nil, s)

	got, err := f.SanitizedContent()
	if err != nil {
		t.Fatalf("SanitizedContent failed: %v", err)
	}
	want := []string{"a", "token=***", "c"}
	if !equalLines(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestReadLinesShortPlainFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := ReadLines(path)
	if err != nil {
		t.Fatalf("ReadLines failed: %v", err)
	}
	if !equalLines(got, []string{"x"}) {
		t.Errorf("got %q", got)
	}
}

func TestReadLinesCorruptGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.gz")

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.Write([]byte("some content that will be cut off"))
	gw.Close()
	truncated := buf.Bytes()[:buf.Len()-6]
	if err := os.WriteFile(path, truncated, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadLines(path); err == nil {
		t.Error("expected error for truncated gzip stream")
	}
}

func TestDumpOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pod")

	first := New(path, "", nil, nil)
	first.SetContent([]string{"old", "content", "longer"})
	if _, err := first.Dump(false); err != nil {
		t.Fatal(err)
	}

	second := New(path, "", nil, nil)
	second.SetContent([]string{"new"})
	if _, err := second.Dump(false); err != nil {
		t.Fatal(err)
	}

	got, err := ReadLines(path)
	if err != nil {
		t.Fatal(err)
	}
	if !equalLines(got, []string{"new"}) {
		t.Errorf("expected overwrite, got %q", got)
	}
}

func TestIsSanitized(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"ns/web-0", false},
		{"ns/web-0.gz", false},
		{"ns/web-0.previous.gz", false},
		{"ns/web-0.sanitized", true},
		{"ns/web-0.sanitized.gz", true},
		{"ns/web-0.previous.sanitized.gz", true},
	}
	for _, tt := range tests {
		if got := IsSanitized(tt.name); got != tt.want {
			t.Errorf("IsSanitized(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
