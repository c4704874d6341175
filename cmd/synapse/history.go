package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/whotf-ash/synapse/internal/history"
)

func newHistoryCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show or clear the translation history",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List translations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := history.Open(ctx, g.cfg.History)
			if err != nil {
				return err
			}
			defer store.Close()
			return listHistory(ctx, store, cmd.OutOrStdout(), limit)
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 0, "show at most n entries (0 shows all)")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored translation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := history.Open(ctx, g.cfg.History)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Clear(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "History cleared.")
			return nil
		},
	}

	cmd.AddCommand(list, clearCmd)
	return cmd
}

// listHistory renders entries newest first. The store's order is untouched.
func listHistory(ctx context.Context, store history.Store, out io.Writer, limit int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	entries, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No translations yet.")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"#", "Time", "English", "Translation"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	shown := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && shown == limit {
			break
		}
		e := entries[i]
		when := "-"
		if t := e.Time(); !t.IsZero() {
			when = t.Local().Format("15:04:05")
		}
		table.Append([]string{strconv.Itoa(i + 1), when, e.Original, e.Translated})
		shown++
	}
	table.Render()
	return nil
}
