package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/holmberd/go-memheap"
)

var poolsAlign int

func init() {
	cmd := newPoolsCmd()
	cmd.Flags().IntVar(&poolsAlign, "align", 4, "Slot alignment in bytes")
	rootCmd.AddCommand(cmd)
}

func newPoolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pools",
		Short: "Show the default pool class table",
		Long: `The pools command prints the default pool classes together with the
slot stride and backing array size each class occupies at the given alignment.

Example:
  memheapctl pools
  memheapctl pools --align 16 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPools(cmd.OutOrStdout())
		},
	}
}

type poolRow struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	SlotSize  int    `json:"slot_size"`
	SlotCount int    `json:"slot_count"`
	Bytes     int    `json:"bytes"`
}

func runPools(w io.Writer) error {
	config := memheap.DefaultConfig()
	config.Alignment = poolsAlign
	if err := config.Validate(); err != nil {
		return err
	}

	rows := make([]poolRow, len(config.Pools))
	total := 0
	for i, class := range config.Pools {
		n := config.PoolBytes(i)
		rows[i] = poolRow{
			ID:        i,
			Name:      class.Name,
			SlotSize:  class.SlotSize,
			SlotCount: class.SlotCount,
			Bytes:     n,
		}
		total += n
	}

	if jsonOut {
		return printJSON(w, rows)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSLOT\tCOUNT\tBYTES")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\n", r.ID, r.Name, r.SlotSize, r.SlotCount, r.Bytes)
	}
	fmt.Fprintf(tw, "\t\t\t\t%d\n", total)
	return tw.Flush()
}
