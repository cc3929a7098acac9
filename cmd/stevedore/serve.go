package main

import (
	"github.com/spf13/cobra"

	"github.com/seantiz/stevedore/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the delegation API over HTTP",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	a.Logger.Info("stevedore: starting", "listen_addr", a.Config.ListenAddr)
	srv := api.NewServer(a.Config.ListenAddr, a.Store, a.Registry, a.Delegator, a.Logger)
	return srv.Run()
}
