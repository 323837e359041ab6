package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/traderat755/eastmoneywatch/internal/aggregate"
	"github.com/traderat755/eastmoneywatch/internal/logger"
	"github.com/traderat755/eastmoneywatch/internal/render"
	"github.com/traderat755/eastmoneywatch/internal/storage"
)

// openJournal opens the batch journal and trims it to the configured size,
// which may be smaller than when the batches were written.
func (a *app) openJournal() (*storage.Storage, error) {
	if !a.cfg.Storage.Enabled {
		return nil, errors.New("batch journal is disabled (storage.enabled)")
	}
	journal, err := storage.New(a.cfg.Storage.MaxBatches, a.cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := journal.RotateBatches(); err != nil {
		logger.Warn("Failed to rotate batch journal: %v", err)
	}
	return journal, nil
}

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse journaled batches",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List journaled batches, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := a.openJournal()
			if err != nil {
				return err
			}
			defer journal.Close()

			infos, err := journal.ListBatches(limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(infos) == 0 {
				fmt.Fprintln(out, "no journaled batches")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tRECEIVED\tRECORDS\tLATEST")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s %s\n", info.ID, info.ReceivedAt.Format("2006-01-02 15:04:05"),
					info.RecordCount, info.Latest.Period, info.Latest.Time)
			}
			return w.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum number of batches to list")
	cmd.AddCommand(list)

	var sectors []string
	show := &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Render one journaled batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := a.openJournal()
			if err != nil {
				return err
			}
			defer journal.Close()

			b, err := journal.GetBatch(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "batch %s | received %s | %d records\n",
				b.ID, b.ReceivedAt.Format("2006-01-02 15:04:05"), len(b.Events))
			return render.View(out, aggregate.Build(b.Events), render.Options{Sectors: sectors})
		},
	}
	show.Flags().StringSliceVar(&sectors, "sector", nil, "Only show these sectors, in this order")
	cmd.AddCommand(show)

	return cmd
}
