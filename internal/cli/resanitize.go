package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/ehrlich-b/logsanitizer/internal/ledger"
	"github.com/ehrlich-b/logsanitizer/internal/logfile"
	"github.com/ehrlich-b/logsanitizer/internal/sanitize"
)

// ResanitizeOptions configures re-applying rules to existing dumps.
type ResanitizeOptions struct {
	Files    []string
	Rules    []sanitize.Rule
	Compress bool
	Ledger   *ledger.Ledger
	Now      func() time.Time
}

// Resanitize reads previously written dumps and writes a sanitized copy next
// to each one. A dump.gz produces dump.sanitized(.gz).
func Resanitize(ctx context.Context, opts ResanitizeOptions, log *slog.Logger) ([]string, error) {
	if log == nil {
		log = slog.Default()
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	started := now()

	sanitizer, err := sanitize.Compile(opts.Rules)
	if err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}
	if sanitizer.Len() == 0 {
		return nil, fmt.Errorf("no sanitization rules configured")
	}

	var written []string
	for _, name := range opts.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if logfile.IsSanitized(name) {
			log.Warn("already sanitized, skipped", "file", name)
			continue
		}

		src := name
		f := logfile.New(strings.TrimSuffix(name, ".gz"), "", func() ([]string, error) {
			return logfile.ReadLines(src)
		}, sanitizer)

		out, err := f.SanitizeAndDump(opts.Compress)
		if err != nil {
			return nil, err
		}
		if out == "" {
			log.Warn("empty log, skipped", "file", name)
			continue
		}
		log.Info("sanitized", "file", name, "output", out)
		written = append(written, out)
	}

	if opts.Ledger != nil && len(written) > 0 {
		location := filepath.Dir(written[0])
		run := &ledger.Run{
			StartedAt:  started,
			FinishedAt: now(),
			Location:   location,
			Mode:       ledger.ModeResanitize,
			Files:      written,
		}
		if err := opts.Ledger.RecordRun(ctx, run); err != nil {
			return nil, fmt.Errorf("record run: %w", err)
		}
	}
	return written, nil
}
