// Package logfile holds the per-pod log record and writes it to disk.
//
// A LogFile is filled either by a Loader (a live fetch from the cluster) or,
// when no loader is set, by reading back the file already at Path. Read-back
// tries gzip first and falls back to plain text, so dumps written with or
// without compression can be re-processed.
package logfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/ehrlich-b/logsanitizer/internal/sanitize"
)

const (
	// TagPrevious marks logs of a previous container instance.
	TagPrevious = ".previous"

	sanitizedSuffix = ".sanitized"
	gzipSuffix      = ".gz"
)

// Loader produces the content of a LogFile. It is called at most once.
type Loader func() ([]string, error)

// LogFile is the log of one pod.
type LogFile struct {
	// Path is the destination without suffixes, e.g. <dir>/<namespace>/<pod>.
	Path string

	// Tags is appended to Path when writing ("" or TagPrevious).
	Tags string

	load      Loader
	sanitizer *sanitize.Sanitizer

	content []string
	loaded  bool
	loadErr error
}

// New creates a LogFile. A nil load reads content back from Path.
func New(path, tags string, load Loader, s *sanitize.Sanitizer) *LogFile {
	return &LogFile{
		Path:      path,
		Tags:      tags,
		load:      load,
		sanitizer: s,
	}
}

func (f *LogFile) String() string {
	return f.Path
}

// Content returns the log lines, loading them on first use.
func (f *LogFile) Content() ([]string, error) {
	if f.loaded {
		return f.content, f.loadErr
	}
	f.loaded = true

	if f.load != nil {
		f.content, f.loadErr = f.load()
	} else {
		f.content, f.loadErr = ReadLines(f.Path)
	}
	return f.content, f.loadErr
}

// SetContent replaces the content. Later calls to Content return lines.
func (f *LogFile) SetContent(lines []string) {
	f.content = lines
	f.loaded = true
	f.loadErr = nil
}

// DumpName returns the file name Dump writes to.
func (f *LogFile) DumpName(compress bool) string {
	name := f.Path + f.Tags
	if compress {
		name += gzipSuffix
	}
	return name
}

// SanitizedName returns the file name SanitizeAndDump writes to.
func (f *LogFile) SanitizedName(compress bool) string {
	name := f.Path + f.Tags + sanitizedSuffix
	if compress {
		name += gzipSuffix
	}
	return name
}

// IsSanitized reports whether name was written by SanitizeAndDump.
func IsSanitized(name string) bool {
	return strings.HasSuffix(strings.TrimSuffix(name, gzipSuffix), sanitizedSuffix)
}

// Dump writes the raw content. It returns the written file name, or "" when
// there is no content.
func (f *LogFile) Dump(compress bool) (string, error) {
	lines, err := f.Content()
	if err != nil {
		return "", fmt.Errorf("load %s: %w", f.Path, err)
	}
	if len(lines) == 0 {
		return "", nil
	}

	name := f.DumpName(compress)
	if err := writeLines(name, lines, compress); err != nil {
		return "", err
	}
	return name, nil
}

// SanitizeAndDump writes the sanitized content. It returns the written file
// name, or "" when there is no content or no rules.
func (f *LogFile) SanitizeAndDump(compress bool) (string, error) {
	lines, err := f.Content()
	if err != nil {
		return "", fmt.Errorf("load %s: %w", f.Path, err)
	}
	if len(lines) == 0 || f.sanitizer.Len() == 0 {
		return "", nil
	}

	name := f.SanitizedName(compress)
	if err := writeLines(name, f.sanitizer.Lines(lines), compress); err != nil {
		return "", err
	}
	return name, nil
}

// SanitizedContent returns the content with every rule applied.
func (f *LogFile) SanitizedContent() ([]string, error) {
	lines, err := f.Content()
	if err != nil {
		return nil, err
	}
	return f.sanitizer.Lines(lines), nil
}

func writeLines(name string, lines []string, compress bool) error {
	out, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}

	data := strings.Join(lines, "\n")
	if compress {
		gw := gzip.NewWriter(out)
		if _, err := io.WriteString(gw, data); err != nil {
			out.Close()
			return fmt.Errorf("gzip write %s: %w", name, err)
		}
		if err := gw.Close(); err != nil {
			out.Close()
			return fmt.Errorf("gzip close %s: %w", name, err)
		}
	} else if _, err := io.WriteString(out, data); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	return nil
}

// ReadLines reads a dump back. Gzip is tried first; a file that does not
// start with the gzip magic bytes is read as plain text. A gzip stream that is
// corrupt after a valid header is an error.
func ReadLines(name string) ([]string, error) {
	raw, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	data, err := gunzip(raw)
	switch {
	case errors.Is(err, errNotGzip):
		data = raw
	case err != nil:
		return nil, fmt.Errorf("gzip read %s: %w", name, err)
	}

	if len(data) == 0 {
		return nil, nil
	}
	return strings.Split(string(data), "\n"), nil
}

var errNotGzip = errors.New("not gzip")

func gunzip(raw []byte) ([]byte, error) {
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		return nil, errNotGzip
	}

	gr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer gr.Close()

	return io.ReadAll(gr)
}
