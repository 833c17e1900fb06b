package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "gateway"
	version = "v0.1.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Price oracle gateway",
		Version: version,
		Long: `Price oracle gateway: multi-exchange ingest, validation, consensus and
failover for a small set of price feeds, exposed over a read-only HTTP API.`,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(reloadCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
