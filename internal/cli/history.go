package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/ehrlich-b/logsanitizer/internal/ledger"
)

// History prints the most recent runs as a table.
func History(ctx context.Context, l *ledger.Ledger, limit int, out io.Writer) error {
	runs, err := l.ListRuns(ctx, limit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"ID", "Started", "Duration", "Mode", "Namespaces", "Files", "Archive"})
	table.SetAutoWrapText(false)
	for _, run := range runs {
		files, err := l.Files(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("list files: %w", err)
		}
		table.Append([]string{
			run.ID,
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String(),
			string(run.Mode),
			strings.Join(run.Namespaces, ","),
			strconv.Itoa(len(files)),
			archiveColumn(run),
		})
	}
	table.Render()
	return nil
}

func archiveColumn(run *ledger.Run) string {
	switch {
	case run.UploadKey != "":
		return run.UploadKey
	case run.Archive != "":
		return run.Archive
	default:
		return "-"
	}
}
