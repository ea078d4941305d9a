package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every file of the current dossier to a directory",
		Long:  "Recreate the dossier's folder hierarchy under --out with decompressed file content.",
		Run:   runExport,
	}

	cmd.Flags().StringP("out", "o", "", "Output directory (required)")
	cmd.MarkFlagRequired("out")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	out, _ := cmd.Flags().GetString("out")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	n, err := s.ExportToDir(cmd.Context(), out)
	if err != nil {
		exitErr("export", err)
	}

	if textOutput() {
		fmt.Printf("exported %d files to %s\n", n, out)
		return
	}
	printJSON(map[string]any{"dir": out, "files": n})
}
