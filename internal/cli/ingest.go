package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rcliao/dossier-cache/internal/archive"
	"github.com/rcliao/dossier-cache/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "ingest <archive.zip>",
		Short: "Ingest a ZIP dossier",
		Long:  "Extract a ZIP archive into the cache. The new dossier becomes the current one.",
		Args:  cobra.ExactArgs(1),
		Run:   runIngest,
	}

	cmd.Flags().BoolP("quiet", "q", false, "Suppress progress output")

	RootCmd.AddCommand(cmd)
}

type ingestResult struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Files     int       `json:"files"`
	CreatedAt time.Time `json:"created_at"`
	Elapsed   string    `json:"elapsed"`
}

func runIngest(cmd *cobra.Command, args []string) {
	quiet, _ := cmd.Flags().GetBool("quiet")

	svc, closeFn, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer closeFn()

	start := time.Now()
	d, err := svc.IngestFile(cmd.Context(), args[0], func(p model.Progress) {
		if !quiet {
			printProgress(p)
		}
	})
	if err != nil {
		exitErr("ingest", err)
	}

	res := ingestResult{
		ID:        d.ID,
		Name:      d.Name,
		Files:     archive.CountFiles(d.Root),
		CreatedAt: d.CreatedAt,
		Elapsed:   time.Since(start).Round(time.Millisecond).String(),
	}
	if textOutput() {
		fmt.Printf("ingested %s (%s): %d files in %s\n", res.Name, res.ID, res.Files, res.Elapsed)
		return
	}
	printJSON(res)
}

// printProgress writes progress to stderr so stdout stays machine-readable.
func printProgress(p model.Progress) {
	switch p := p.(type) {
	case model.TreeReady:
		fmt.Fprintf(os.Stderr, "tree ready: %s (%d files)\n", p.Name, archive.CountFiles(p.Root))
	case model.BatchProgress:
		fmt.Fprintf(os.Stderr, "[%s] %d/%d files (%.0f%%)\n", p.Class, p.Processed, p.Total, p.Progress)
	case model.FileProgress:
		fmt.Fprintf(os.Stderr, "  %s: %d%% of %s\n", p.Path, p.Progress, humanize.Bytes(uint64(p.Size)))
	case model.Percentage:
		fmt.Fprintf(os.Stderr, "done (%.0f%%)\n", float64(p))
	}
}
