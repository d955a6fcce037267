// Package source lists pods through an orchestrator client and builds a
// LogFile for every pod in the selected namespaces.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ehrlich-b/logsanitizer/internal/logfile"
	"github.com/ehrlich-b/logsanitizer/internal/runner"
	"github.com/ehrlich-b/logsanitizer/internal/sanitize"
)

// Source is the orchestrator client binary.
type Source string

const (
	OpenShift  Source = "oc"
	Kubernetes Source = "kubectl"
)

// ParseSource accepts the client binary or the orchestrator name.
func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "oc", "openshift":
		return OpenShift, nil
	case "kubectl", "kubernetes", "k8s":
		return Kubernetes, nil
	}
	return "", fmt.Errorf("unknown source %q (want oc or kubectl)", s)
}

// ErrConflictingFilters is returned when both Since and SinceTime are set.
var ErrConflictingFilters = errors.New("only one of since / since-time may be used")

// Filter selects which part of the logs is fetched.
type Filter struct {
	// Since is a relative duration like 5s, 2m or 3h.
	Since string
	// SinceTime is an RFC3339 timestamp.
	SinceTime string
	// Previous fetches logs of the previous container instance.
	Previous bool
}

// Validate rejects Since and SinceTime together.
func (f Filter) Validate() error {
	if f.Since != "" && f.SinceTime != "" {
		return ErrConflictingFilters
	}
	return nil
}

// Flags returns the client flags for the filter and the file name tag.
func (f Filter) Flags() (flags, tags string) {
	if f.Since != "" {
		flags = "--since=" + f.Since
	} else if f.SinceTime != "" {
		flags = "--since-time=" + f.SinceTime
	}
	if f.Previous {
		flags += " --previous"
		tags = logfile.TagPrevious
	}
	return flags, tags
}

// Runner runs a command line and captures stdout.
type Runner interface {
	Run(ctx context.Context, command string) runner.Result
}

// Config configures a Reader.
type Config struct {
	Source Source
	// LogsLocation is the directory namespace directories are created in.
	LogsLocation string
	Namespaces   []string
	Filter       Filter
	Sanitizer    *sanitize.Sanitizer
}

// Reader enumerates pod logs.
type Reader struct {
	cfg        Config
	namespaces map[string]struct{}
	run        Runner
	log        *slog.Logger
}

// New creates a Reader. A nil run uses runner.Runner.
func New(cfg Config, run Runner, log *slog.Logger) *Reader {
	if run == nil {
		run = &runner.Runner{}
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Source == "" {
		cfg.Source = OpenShift
	}

	ns := make(map[string]struct{}, len(cfg.Namespaces))
	for _, n := range cfg.Namespaces {
		ns[n] = struct{}{}
	}

	return &Reader{cfg: cfg, namespaces: ns, run: run, log: log}
}

// ListCommand returns the pod listing command line.
func (r *Reader) ListCommand() string {
	return fmt.Sprintf("%s get pods -A -o custom-columns=:metadata.namespace,:metadata.name", r.cfg.Source)
}

// LogsCommand returns the log fetch command line for a pod.
func (r *Reader) LogsCommand(namespace, pod string) string {
	flags, _ := r.cfg.Filter.Flags()
	return strings.TrimRight(fmt.Sprintf("%s logs %s -n %s %s", r.cfg.Source, pod, namespace, flags), " ")
}

// Enumerate lists pods once and returns a LogFile for each pod in a selected
// namespace, in listing order. The namespace directory is created for each
// match. Log content is fetched lazily, the first time a LogFile is read.
func (r *Reader) Enumerate(ctx context.Context) ([]*logfile.LogFile, error) {
	if err := r.cfg.Filter.Validate(); err != nil {
		return nil, err
	}
	_, tags := r.cfg.Filter.Flags()

	listing := r.run.Run(ctx, r.ListCommand())
	if listing.Err != nil {
		r.log.Warn("pod listing failed, using captured output", "error", listing.Err, "lines", len(listing.Lines))
	}

	var files []*logfile.LogFile
	for _, entry := range listing.Lines {
		fields := strings.Fields(entry)
		if len(fields) != 2 {
			if entry != "" {
				r.log.Debug("skipping listing line", "line", entry)
			}
			continue
		}
		namespace, pod := fields[0], fields[1]
		if _, ok := r.namespaces[namespace]; !ok {
			continue
		}

		dir := filepath.Join(r.cfg.LogsLocation, namespace)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create namespace directory: %w", err)
		}

		files = append(files, logfile.New(
			filepath.Join(dir, pod),
			tags,
			r.loader(ctx, namespace, pod),
			r.cfg.Sanitizer,
		))
	}

	r.log.Debug("enumerated pods", "source", string(r.cfg.Source), "matched", len(files))
	return files, nil
}

func (r *Reader) loader(ctx context.Context, namespace, pod string) logfile.Loader {
	command := r.LogsCommand(namespace, pod)
	return func() ([]string, error) {
		res := r.run.Run(ctx, command)
		if res.Err != nil {
			r.log.Warn("log fetch failed, using captured output",
				"namespace", namespace, "pod", pod, "error", res.Err, "lines", len(res.Lines))
		}
		return res.Lines, nil
	}
}
