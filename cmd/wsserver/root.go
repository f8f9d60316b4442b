package main

import (
	"github.com/spf13/cobra"
)

var wsmeshVersion = "dev"

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "wsserver",
		Short: "Real-time WebSocket messaging server",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newVersionCmd())
	return root
}
