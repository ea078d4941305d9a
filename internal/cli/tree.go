package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rcliao/dossier-cache/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show the folder hierarchy of the current dossier",
		Run:   runTree,
	}

	cmd.Flags().IntP("depth", "L", 0, "Max depth to print (0 = unlimited)")

	RootCmd.AddCommand(cmd)
}

func runTree(cmd *cobra.Command, args []string) {
	depth, _ := cmd.Flags().GetInt("depth")

	svc, closeFn, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer closeFn()

	d, err := svc.CurrentDossier(cmd.Context())
	if err != nil {
		exitErr("tree", err)
	}
	if d == nil {
		exitErr("tree", errors.New("no dossier ingested"))
	}

	if !textOutput() {
		printJSON(d)
		return
	}
	fmt.Println(d.Name)
	for _, c := range d.Root.Children {
		printNode(c, 1, depth)
	}
}

func printNode(n *model.Node, level, maxDepth int) {
	if maxDepth > 0 && level > maxDepth {
		return
	}
	indent := strings.Repeat("  ", level)
	if n.IsFolder() {
		fmt.Printf("%s%s/\n", indent, n.Name)
		for _, c := range n.Children {
			printNode(c, level+1, maxDepth)
		}
		return
	}
	fmt.Printf("%s%s (%s)\n", indent, n.Name, humanize.Bytes(uint64(n.Size)))
}
