package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/igoryan-dao/pitstop/internal/api"
	"github.com/igoryan-dao/pitstop/internal/config"
)

var version = "dev"

var (
	configPath string
	serverAddr string
)

var rootCmd = &cobra.Command{
	Use:           "pitstop",
	Short:         "Browser automation that stops and asks a human when it needs one",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./"+config.DefaultFile+")")
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "", "Address of a running pitstop server (default http.addr from config)")

	rootCmd.AddCommand(
		serveCmd,
		submitCmd,
		statusCmd,
		listCmd,
		cancelCmd,
		replyCmd,
		watchCmd,
		mcpCmd,
		flowsCmd,
		contactsCmd,
		installCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// client returns an API client for --server, falling back to the configured
// listen address.
func client() (*api.Client, error) {
	addr := serverAddr
	if addr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		addr = cfg.HTTP.Addr
	}
	return api.NewClient(addr), nil
}
