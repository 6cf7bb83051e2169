package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wingterm/internal/store"
)

func historyCmd() *cobra.Command {
	var limitFlag int
	var pruneFlag time.Duration
	cmd := &cobra.Command{
		Use:   "history [instance]",
		Short: "Show recorded session status transitions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.HistoryPath(paths))
			if err != nil {
				return err
			}
			defer st.Close()

			if pruneFlag > 0 {
				n, err := st.Prune(time.Now().Add(-pruneFlag))
				if err != nil {
					return err
				}
				fmt.Printf("pruned %d events\n", n)
				return nil
			}

			var instance string
			if len(args) == 1 {
				instance = args[0]
			}
			events, err := st.History(instance, limitFlag)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Println("no history")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tINSTANCE\tSTATE\tMESSAGE")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.At.Local().Format("2006-01-02 15:04:05"), e.InstanceID, e.State, e.Message)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limitFlag, "limit", "n", 50, "number of events to show (0 = all)")
	cmd.Flags().DurationVar(&pruneFlag, "prune", 0, "delete events older than this instead of listing")
	return cmd
}
