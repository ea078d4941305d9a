package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the cached dossier and all of its files",
		Run:   runClear,
	}

	RootCmd.AddCommand(cmd)
}

func runClear(cmd *cobra.Command, args []string) {
	svc, closeFn, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer closeFn()

	if err := svc.Clear(cmd.Context()); err != nil {
		exitErr("clear", err)
	}

	if textOutput() {
		fmt.Println("cleared")
		return
	}
	printJSON(map[string]bool{"cleared": true})
}
