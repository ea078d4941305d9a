package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "cat <path>",
		Short: "Write a file of the current dossier to stdout",
		Args:  cobra.ExactArgs(1),
		Run:   runCat,
	}

	cmd.Flags().StringP("out", "o", "", "Write to this file instead of stdout")

	RootCmd.AddCommand(cmd)
}

func runCat(cmd *cobra.Command, args []string) {
	out, _ := cmd.Flags().GetString("out")

	svc, closeFn, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer closeFn()

	data, err := svc.ReadFile(cmd.Context(), args[0])
	if err != nil {
		exitErr("cat", err)
	}
	if data == nil {
		exitErr("cat", fmt.Errorf("not found: %s", args[0]))
	}

	if out == "" {
		os.Stdout.Write(data.Content)
		return
	}
	if err := os.WriteFile(out, data.Content, 0o644); err != nil {
		exitErr("write output", err)
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%s, %d bytes)\n", out, data.MimeType, data.Size)
}
