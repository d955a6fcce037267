package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ehrlich-b/logsanitizer/internal/archive"
	"github.com/ehrlich-b/logsanitizer/internal/ledger"
	"github.com/ehrlich-b/logsanitizer/internal/sanitize"
	"github.com/ehrlich-b/logsanitizer/internal/source"
)

// TimestampLayout names the per-run directory and archive, e.g. 2022-06-01T10+0200.
const TimestampLayout = "2006-01-02T15-0700"

// chownArchive is replaced in tests.
var chownArchive = archive.Chown

// Uploader stores a finished archive somewhere else.
type Uploader interface {
	Put(ctx context.Context, file string) (string, error)
}

// DumpOptions configures a dump run.
type DumpOptions struct {
	// LogsLocation is the parent directory; the run writes to <LogsLocation>/<timestamp>.
	LogsLocation string
	Namespaces   []string
	Rules        []sanitize.Rule
	Source       source.Source
	Filter       source.Filter

	// Sanitize writes sanitized files instead of raw dumps.
	Sanitize bool
	// Compress gzips every file.
	Compress bool
	// Zip bundles the run directory into <timestamp>.zip and removes the directory.
	Zip bool
	// Chown changes the owner of the archive to UID:GID. Only applies with Zip.
	Chown bool
	UID   int
	GID   int

	// Uploader, when set, receives the archive. Only applies with Zip.
	Uploader Uploader
	// Ledger, when set, records the run.
	Ledger *ledger.Ledger

	// Runner overrides command execution (tests).
	Runner source.Runner
	// Now overrides the clock (tests).
	Now func() time.Time
}

// DumpResult describes what a run produced.
type DumpResult struct {
	Location  string
	Files     []string
	Archive   string
	UploadKey string
	RunID     string
}

// Dump collects pod logs and writes them to disk.
func Dump(ctx context.Context, opts DumpOptions, log *slog.Logger) (*DumpResult, error) {
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
	if opts.Sanitize && sanitizer.Len() == 0 {
		log.Warn("no sanitization rules configured, nothing will be written")
	}

	timestamp := started.Format(TimestampLayout)
	location := filepath.Join(opts.LogsLocation, timestamp)
	if err := os.MkdirAll(location, 0755); err != nil {
		return nil, fmt.Errorf("create logs location: %w", err)
	}

	reader := source.New(source.Config{
		Source:       opts.Source,
		LogsLocation: location,
		Namespaces:   opts.Namespaces,
		Filter:       opts.Filter,
		Sanitizer:    sanitizer,
	}, opts.Runner, log)

	files, err := reader.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	log.Info("collecting logs", "location", location, "pods", len(files), "sanitize", opts.Sanitize)

	res := &DumpResult{Location: location}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var name string
		if opts.Sanitize {
			name, err = f.SanitizeAndDump(opts.Compress)
		} else {
			name, err = f.Dump(opts.Compress)
		}
		if err != nil {
			return nil, err
		}
		if name == "" {
			log.Debug("nothing written", "pod", f.String())
			continue
		}

		rel, err := filepath.Rel(location, name)
		if err != nil {
			rel = name
		}
		res.Files = append(res.Files, rel)
		log.Debug("wrote log", "file", rel)
	}

	if opts.Zip {
		if err := finishArchive(ctx, opts, timestamp, res, log); err != nil {
			return nil, err
		}
	} else {
		if opts.Chown {
			log.Warn("--chown only applies with --zip, ignoring")
		}
		if opts.Uploader != nil {
			log.Warn("upload only applies with --zip, ignoring")
		}
	}

	if opts.Ledger != nil {
		mode := ledger.ModeDump
		if opts.Sanitize {
			mode = ledger.ModeSanitize
		}
		run := &ledger.Run{
			StartedAt:  started,
			FinishedAt: now(),
			Location:   location,
			Mode:       mode,
			Namespaces: opts.Namespaces,
			Archive:    res.Archive,
			UploadKey:  res.UploadKey,
			Files:      res.Files,
		}
		if res.Archive != "" {
			if run.ArchiveSHA3, err = ledger.Digest(res.Archive); err != nil {
				return nil, fmt.Errorf("digest archive: %w", err)
			}
		}
		if err := opts.Ledger.RecordRun(ctx, run); err != nil {
			return nil, fmt.Errorf("record run: %w", err)
		}
		res.RunID = run.ID
	}

	log.Info("done", "files", len(res.Files), "archive", res.Archive)
	return res, nil
}

// finishArchive zips the run directory, changes its owner, uploads it and
// removes the directory.
func finishArchive(ctx context.Context, opts DumpOptions, timestamp string, res *DumpResult, log *slog.Logger) error {
	dst := filepath.Join(opts.LogsLocation, timestamp+".zip")
	if err := archive.Zip(res.Location, dst); err != nil {
		return err
	}
	res.Archive = dst

	if opts.Chown {
		// Ownership is best effort; the archive is still usable.
		if err := chownArchive(dst, opts.UID, opts.GID); err != nil {
			log.Error("changing the owner of zip file failed", "archive", dst, "error", err)
		}
	}

	if opts.Uploader != nil {
		key, err := opts.Uploader.Put(ctx, dst)
		if err != nil {
			return fmt.Errorf("upload archive: %w", err)
		}
		res.UploadKey = key
	}

	if err := os.RemoveAll(res.Location); err != nil {
		return fmt.Errorf("remove logs location: %w", err)
	}
	return nil
}
