package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "find <pattern>",
		Short: "Find the path that best matches a pattern",
		Long:  "Case-insensitive lookup over the current dossier. Exact names beat file-name matches, which beat path matches.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runFind,
	}

	RootCmd.AddCommand(cmd)
}

func runFind(cmd *cobra.Command, args []string) {
	pattern := strings.Join(args, " ")

	svc, closeFn, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer closeFn()

	path, err := svc.FindByPattern(cmd.Context(), pattern)
	if err != nil {
		exitErr("find", err)
	}

	if textOutput() {
		if path == "" {
			fmt.Fprintln(os.Stderr, "no match")
			os.Exit(1)
		}
		fmt.Println(path)
		return
	}
	printJSON(map[string]any{"pattern": pattern, "path": path, "found": path != ""})
}
