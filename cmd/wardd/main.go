package main

import (
	"WardProtocol/internal/config"
	"log"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	var configPath string
	root := &cobra.Command{
		Use:           "wardd",
		Short:         "Vault default insurance daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("WARD_CONFIG"), "path to a YAML config file")

	load := func() (config.Config, error) { return config.Load(configPath) }
	root.AddCommand(newServeCmd(load), newQuoteCmd(load))

	if err := root.Execute(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}
