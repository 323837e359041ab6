package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/traderat755/eastmoneywatch/internal/models"
	"github.com/traderat755/eastmoneywatch/internal/picked"
)

func newPickedCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "picked",
		Short: "Manage the picked list",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List picked stocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := a.pickedStore()
			if err := store.Load(cmd.Context()); err != nil {
				return err
			}
			printEntries(cmd.OutOrStdout(), store.Entries())
			return nil
		},
	})

	var name string
	add := &cobra.Command{
		Use:   "add <stock-code> <sector-name>",
		Short: "Pick a stock under one of its sectors",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store := a.pickedStore()
			code, err := store.SectorCode(ctx, args[1])
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout())(store.Add(ctx, models.PickedEntry{
				StockCode:  args[0],
				StockName:  name,
				SectorCode: code,
				SectorName: args[1],
			}))
		},
	}
	add.Flags().StringVar(&name, "name", "", "Stock name")
	cmd.AddCommand(add)

	var newName string
	update := &cobra.Command{
		Use:   "update <stock-code> <sector-name>",
		Short: "Move a picked stock to another of its sectors",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return report(cmd.OutOrStdout())(a.pickedStore().Update(cmd.Context(), args[0], models.PickedEntry{
				StockCode:  args[0],
				StockName:  newName,
				SectorName: args[1],
			}))
		},
	}
	update.Flags().StringVar(&newName, "name", "", "Stock name")
	cmd.AddCommand(update)

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <stock-code>",
		Short: "Remove a picked stock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return report(cmd.OutOrStdout())(a.pickedStore().RemoveByCode(cmd.Context(), args[0]))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm-sector <sector-name>",
		Short: "Remove every picked stock in a sector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return report(cmd.OutOrStdout())(a.pickedStore().RemoveBySector(cmd.Context(), args[0]))
		},
	})

	return cmd
}

func newSectorsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sectors",
		Short: "Browse the sector catalogue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all sectors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sectors, err := a.pickedStore().LoadSectors(cmd.Context())
			if err != nil {
				return err
			}
			printSectors(cmd.OutOrStdout(), sectors)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "search <query>",
		Short: "Search stocks and their sectors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hits, err := a.pickedStore().SearchSectors(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CODE\tNAME\tSECTOR CODE\tSECTOR")
			for _, h := range hits {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.StockCode, h.StockName, h.SectorCode, h.SectorName)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "of <stock-code>",
		Short: "List the sectors a stock belongs to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sectors, err := a.pickedStore().StockSectors(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printSectors(cmd.OutOrStdout(), sectors)
			return nil
		},
	})

	return cmd
}

// report prints the remote message of a mutation. A failed reload after an
// accepted mutation is a warning, not a failure.
func report(out io.Writer) func(string, error) error {
	return func(msg string, err error) error {
		if err != nil && !errors.Is(err, picked.ErrReload) {
			return err
		}
		if msg == "" {
			msg = "ok"
		}
		fmt.Fprintln(out, color.GreenString("%s", msg))
		if err != nil {
			fmt.Fprintln(out, color.YellowString("warning: %v", err))
		}
		return nil
	}
}

func printEntries(out io.Writer, entries []models.PickedEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "no picked stocks")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tNAME\tSECTOR CODE\tSECTOR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.StockCode, e.StockName, e.SectorCode, e.SectorName)
	}
	_ = w.Flush()
}

func printSectors(out io.Writer, sectors []models.Sector) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tSECTOR")
	for _, s := range sectors {
		fmt.Fprintf(w, "%s\t%s\n", s.Code, s.Name)
	}
	_ = w.Flush()
}
