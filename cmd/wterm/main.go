package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wingterm/internal/auth"
	"github.com/ehrlich-b/wingterm/internal/config"
)

var version = "dev"

var configFlag string

func main() {
	root := &cobra.Command{
		Use:           "wterm",
		Short:         "wterm — terminal relay client",
		Long:          "Attaches the local terminal to remote sessions through a terminal relay.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default ~/.wingterm/config.yaml)")

	root.AddCommand(
		attachCmd(),
		sessionsCmd(),
		historyCmd(),
		relayCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "wterm:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the wterm version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("wterm", version)
		},
	}
}

// loadConfig resolves the config directory and reads the config file.
func loadConfig() (*config.Config, config.Paths, error) {
	dir, err := config.GetUserConfigDir()
	if err != nil {
		return nil, config.Paths{}, err
	}
	paths := config.PathsIn(dir)
	if configFlag != "" {
		paths.Config = configFlag
	}
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return nil, paths, err
	}
	return cfg, paths, nil
}

// tokenSources prefers an explicit token (flag, config or env) over the
// token file.
func tokenSources(cfg *config.Config, paths config.Paths) (auth.Chain, *auth.TokenStore) {
	file := auth.OpenTokenFile(cfg.TokenPath(paths))
	return auth.Chain{auth.Static(cfg.Auth.Token), file}, file
}
