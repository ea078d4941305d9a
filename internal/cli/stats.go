package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rcliao/dossier-cache/internal/dossier"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show database, cache and background task statistics",
		Run:   runStats,
	}

	cmd.Flags().IntP("top", "n", 10, "Number of most-read paths to include")

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	top, _ := cmd.Flags().GetInt("top")

	svc, closeFn, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer closeFn()

	stats, err := svc.Stats(cmd.Context(), top)
	if err != nil {
		exitErr("stats", err)
	}

	if textOutput() {
		printStatsText(stats)
		return
	}
	printJSON(stats)
}

func printStatsText(st *dossier.Stats) {
	if s := st.Store; s != nil {
		fmt.Printf("database:   %s (%s)\n", s.DBPath, humanize.Bytes(uint64(s.DBSizeBytes)))
		fmt.Printf("dossiers:   %d\n", s.Dossiers)
		fmt.Printf("files:      %d (%d compressed)\n", s.Files, s.CompressedFiles)
		fmt.Printf("content:    %s stored as %s\n", humanize.Bytes(uint64(s.OriginalBytes)), humanize.Bytes(uint64(s.StoredBytes)))
		for _, t := range s.Types {
			fmt.Printf("  %-40s %6s files  %s\n", t.MimeType, humanize.Comma(int64(t.Count)), humanize.Bytes(uint64(t.Bytes)))
		}
	}
	fmt.Printf("cache:      %d/%d entries\n", st.Cache.Entries, st.Cache.Capacity)
	fmt.Printf("background: %d queued, %d active, %d processed\n",
		st.Background.QueueLength, st.Background.ActiveTasks, st.Background.TotalProcessed)
	for _, p := range st.HotPaths {
		fmt.Printf("  %4d reads  %s (last %s)\n", p.Count, p.Path, humanize.Time(p.LastAccess))
	}
}
