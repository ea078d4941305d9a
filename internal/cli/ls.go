package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rcliao/dossier-cache/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List files of the current dossier by MIME type",
		Run:   runLs,
	}

	cmd.Flags().StringP("type", "t", model.MimePDF, "MIME type to list")

	RootCmd.AddCommand(cmd)
}

func runLs(cmd *cobra.Command, args []string) {
	mime, _ := cmd.Flags().GetString("type")

	svc, closeFn, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer closeFn()

	files, err := svc.FilesByType(cmd.Context(), mime)
	if err != nil {
		exitErr("ls", err)
	}

	if textOutput() {
		for _, f := range files {
			fmt.Printf("%10s  %s\n", humanize.Bytes(uint64(f.Size)), f.Path)
		}
		return
	}
	if files == nil {
		files = []model.FileInfo{}
	}
	printJSON(files)
}
