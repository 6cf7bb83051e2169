package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wingterm/internal/ws"
)

func sessionsCmd() *cobra.Command {
	var tokenFlag string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions registered with the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := loadConfig()
			if err != nil {
				return err
			}
			if tokenFlag != "" {
				cfg.Auth.Token = tokenFlag
			}
			tokens, _ := tokenSources(cfg, paths)

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Relay.CheckTimeout)
			defer cancel()
			token, err := tokens.Token(ctx)
			if err != nil {
				return fmt.Errorf("%s (%w)", ws.MsgSignIn, err)
			}

			client := &http.Client{Timeout: cfg.Relay.CheckTimeout}
			sessions, err := ws.ListSessions(ctx, client, cfg.RelayTarget(), token)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\n", s.ID, s.Name)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&tokenFlag, "token", "", "bearer token (overrides config and token file)")
	return cmd
}
