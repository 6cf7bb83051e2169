package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wingterm/internal/auth"
	"github.com/ehrlich-b/wingterm/internal/config"
	"github.com/ehrlich-b/wingterm/internal/devrelay"
	"github.com/ehrlich-b/wingterm/internal/logger"
)

const secretFile = "relay.secret"

func relaySecret(paths config.Paths) ([]byte, error) {
	return devrelay.LoadOrCreateSecret(filepath.Join(paths.Dir, secretFile), os.Getenv("WINGTERM_RELAY_SECRET"))
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func relayCmd() *cobra.Command {
	var (
		addrFlag    string
		shellFlag   string
		sessionFlag string
		rateFlag    int
		originFlag  []string
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a local development relay with a shell session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := loadConfig()
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return err
			}
			secret, err := relaySecret(paths)
			if err != nil {
				return err
			}
			if addrFlag == "" {
				addrFlag = net.JoinHostPort("", strconv.Itoa(cfg.Relay.Port))
			}

			srv := devrelay.New(devrelay.Config{
				Secret:            secret,
				SubprotocolPrefix: cfg.Relay.SubprotocolPrefix,
				Cols:              cfg.Terminal.Cols,
				Rows:              cfg.Terminal.Rows,
				Backend:           devrelay.PTYShell(shellFlag),
				BytesPerSec:       rateFlag,
				OriginPatterns:    originFlag,
				Logger:            logger.Log,
			})
			defer srv.Close()
			if sessionFlag != "" {
				if _, err := srv.Create(sessionFlag, filepath.Base(shellFlag)); err != nil {
					return err
				}
			}

			httpSrv := &http.Server{
				Addr:    addrFlag,
				Handler: srv,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("relay listening", "addr", addrFlag, "session", sessionFlag)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				fmt.Println("shutting down...")
				return httpSrv.Close()
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}
	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (default :<relay.port>)")
	cmd.Flags().StringVar(&shellFlag, "shell", defaultShell(), "program each session runs")
	cmd.Flags().StringVar(&sessionFlag, "session", "main", "id of a session to start with (empty for none)")
	cmd.Flags().IntVar(&rateFlag, "rate", 0, "output bytes per second per session (0 = unlimited)")
	cmd.Flags().StringSliceVar(&originFlag, "origin", nil, "extra browser origin allowed to open terminals (repeatable)")

	cmd.AddCommand(relayTokenCmd())
	return cmd
}

func relayTokenCmd() *cobra.Command {
	var (
		ttlFlag     time.Duration
		subjectFlag string
		saveFlag    bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token the local relay accepts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := loadConfig()
			if err != nil {
				return err
			}
			secret, err := relaySecret(paths)
			if err != nil {
				return err
			}
			token, exp, err := devrelay.IssueToken(secret, subjectFlag, ttlFlag)
			if err != nil {
				return err
			}
			if !saveFlag {
				fmt.Println(token)
				return nil
			}
			store := auth.OpenTokenFile(cfg.TokenPath(paths))
			if err := store.Save(&auth.StoredToken{Token: token, ExpiresAt: exp.Unix(), IssuedAt: time.Now().Unix()}); err != nil {
				return err
			}
			fmt.Printf("token saved to %s (expires %s)\n", store.Path(), exp.Local().Format(time.RFC1123))
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttlFlag, "ttl", devrelay.DefaultTokenTTL, "token lifetime")
	cmd.Flags().StringVar(&subjectFlag, "subject", "dev", "token subject")
	cmd.Flags().BoolVar(&saveFlag, "save", false, "save to the token file instead of printing")
	return cmd
}
