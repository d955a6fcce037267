package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/logsanitizer/internal/cli"
	"github.com/ehrlich-b/logsanitizer/internal/config"
	"github.com/ehrlich-b/logsanitizer/internal/ledger"
	"github.com/ehrlich-b/logsanitizer/internal/runner"
	"github.com/ehrlich-b/logsanitizer/internal/source"
	"github.com/ehrlich-b/logsanitizer/internal/upload"
	"github.com/ehrlich-b/logsanitizer/internal/version"
)

func main() {
	rootCmd := dumpCmd()
	rootCmd.AddCommand(
		resanitizeCmd(),
		historyCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "logsanitizer",
		Short:         "Collect pod logs and scrub secrets from them",
		Version:       version.Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDump,
	}

	pf := cmd.PersistentFlags()
	pf.StringP("config", "c", "", "Config file (default: .logsanitizer.yaml or config.cfg next to the binary)")
	pf.String("ledger", "", "SQLite file to record runs in")
	pf.BoolP("verbose", "v", false, "Debug logging")

	f := cmd.Flags()
	f.StringP("namespaces", "n", "", "Comma separated namespaces, overrides the config")
	f.BoolP("previous", "p", false, "Collect logs of the previous container instance")
	f.BoolP("zip", "z", false, "Zip the collected logs and remove the directory")
	f.Bool("chown", false, "Change the owner of the zip file to the configured uid/gid")
	f.BoolP("uncompressed", "u", false, "Write plain text instead of gzip")
	f.String("since", "", "Only logs newer than a relative duration, e.g. 5s, 2m, 3h")
	f.String("since-time", "", "Only logs after an RFC3339 date")
	f.StringP("logs_location", "l", "", "Directory the logs are written to")
	f.BoolP("sanitize", "s", false, "Write sanitized logs")
	f.BoolP("dump", "d", false, "Write raw logs")
	f.String("source", "", "Cluster client: oc or kubectl (default from config, else oc)")
	f.Bool("upload", false, "Upload the zip file to the configured bucket")

	cmd.MarkFlagRequired("logs_location")
	cmd.MarkFlagsMutuallyExclusive("since", "since-time")
	cmd.MarkFlagsMutuallyExclusive("sanitize", "dump")
	cmd.MarkFlagsOneRequired("sanitize", "dump")
	return cmd
}

func runDump(cmd *cobra.Command, args []string) error {
	log := setupLogger(cmd)

	cfg, err := loadConfig(cmd, log)
	if err != nil {
		return err
	}

	namespaces := cfg.Namespaces
	if s, _ := cmd.Flags().GetString("namespaces"); s != "" {
		namespaces = config.ParseNamespaces(s)
	}
	if len(namespaces) == 0 {
		log.Warn("no namespaces selected, nothing will be collected")
	}

	srcName := cfg.Source
	if s, _ := cmd.Flags().GetString("source"); s != "" {
		srcName = s
	}
	src, err := source.ParseSource(srcName)
	if err != nil {
		return err
	}
	if err := runner.CheckCommand(string(src)); err != nil {
		return err
	}

	logsLocation, _ := cmd.Flags().GetString("logs_location")
	previous, _ := cmd.Flags().GetBool("previous")
	since, _ := cmd.Flags().GetString("since")
	sinceTime, _ := cmd.Flags().GetString("since-time")
	sanitize, _ := cmd.Flags().GetBool("sanitize")
	uncompressed, _ := cmd.Flags().GetBool("uncompressed")
	zip, _ := cmd.Flags().GetBool("zip")
	chown, _ := cmd.Flags().GetBool("chown")
	doUpload, _ := cmd.Flags().GetBool("upload")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	uid, gid := cfg.Owner()
	opts := cli.DumpOptions{
		LogsLocation: logsLocation,
		Namespaces:   namespaces,
		Rules:        cfg.Regexes,
		Source:       src,
		Filter:       source.Filter{Since: since, SinceTime: sinceTime, Previous: previous},
		Sanitize:     sanitize,
		Compress:     !uncompressed,
		Zip:          zip,
		Chown:        chown,
		UID:          uid,
		GID:          gid,
	}

	if doUpload {
		if cfg.Upload == nil {
			return fmt.Errorf("--upload needs an upload section in the config")
		}
		up, err := upload.New(ctx, upload.Config{
			Bucket:          cfg.Upload.Bucket,
			Prefix:          cfg.Upload.Prefix,
			Region:          cfg.Upload.Region,
			Endpoint:        cfg.Upload.Endpoint,
			AccessKeyID:     cfg.Upload.AccessKeyID,
			SecretAccessKey: cfg.Upload.SecretAccessKey,
		}, log)
		if err != nil {
			return fmt.Errorf("create uploader: %w", err)
		}
		opts.Uploader = up
	}

	l, err := openLedger(cmd, cfg, log)
	if err != nil {
		return err
	}
	if l != nil {
		defer l.Close()
		opts.Ledger = l
	}

	_, err = cli.Dump(ctx, opts, log)
	return err
}

func resanitizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resanitize <file>...",
		Short: "Apply the current rules to existing dumps",
		Long: `Reads dumps written by an earlier run (plain or gzip) and writes a
sanitized copy next to each one.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := setupLogger(cmd)
			cfg, err := loadConfig(cmd, log)
			if err != nil {
				return err
			}
			uncompressed, _ := cmd.Flags().GetBool("uncompressed")

			l, err := openLedger(cmd, cfg, log)
			if err != nil {
				return err
			}
			if l != nil {
				defer l.Close()
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			written, err := cli.Resanitize(ctx, cli.ResanitizeOptions{
				Files:    args,
				Rules:    cfg.Regexes,
				Compress: !uncompressed,
				Ledger:   l,
			}, log)
			if err != nil {
				return err
			}
			for _, name := range written {
				fmt.Println(name)
			}
			return nil
		},
	}
	cmd.Flags().BoolP("uncompressed", "u", false, "Write plain text instead of gzip")
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := setupLogger(cmd)
			cfg, err := loadConfig(cmd, log)
			if err != nil {
				return err
			}
			l, err := openLedger(cmd, cfg, log)
			if err != nil {
				return err
			}
			if l == nil {
				return fmt.Errorf("no ledger configured, use --ledger or the ledger config key")
			}
			defer l.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			return cli.History(cmd.Context(), l, limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int("limit", 20, "Number of runs to show")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

// setupLogger installs a text handler on a terminal and JSON otherwise.
func setupLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

func loadConfig(cmd *cobra.Command, log *slog.Logger) (*config.Config, error) {
	explicit, _ := cmd.Flags().GetString("config")

	dirs := []string{}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	return cli.LoadConfig(explicit, dirs, log)
}

// openLedger returns nil when no ledger is configured.
func openLedger(cmd *cobra.Command, cfg *config.Config, log *slog.Logger) (*ledger.Ledger, error) {
	path := cfg.Ledger
	if p, _ := cmd.Flags().GetString("ledger"); p != "" {
		path = p
	}
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	l, err := ledger.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	log.Debug("ledger opened", "path", path)
	return l, nil
}
