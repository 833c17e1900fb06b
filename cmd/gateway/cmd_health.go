package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// healthStatus mirrors internal/httpapi.HealthResponse; kept as a local
// copy since the CLI only needs to decode and print it, not depend on
// the httpapi package's request types.
type healthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	UptimeMS   int64                      `json:"uptime,omitempty"`
	Components map[string]json.RawMessage `json:"components,omitempty"`
}

func healthCmd() *cobra.Command {
	var (
		url     string
		asJSON  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running gateway's health endpoint",
		Long: `Check the health of a running gateway instance by calling its
GET /health endpoint.

Examples:
  gateway health
  gateway health --url http://localhost:8080/health --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: timeout}
			resp, err := client.Get(url)
			if err != nil {
				return fmt.Errorf("health check request failed: %w", err)
			}
			defer resp.Body.Close()

			var status healthStatus
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("decode health response: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			fmt.Printf("status:    %s\n", status.Status)
			fmt.Printf("uptime_ms: %d\n", status.UptimeMS)
			for name, raw := range status.Components {
				fmt.Printf("  %-24s %s\n", name, raw)
			}
			if status.Status != "healthy" {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "http://localhost:8080/health", "Gateway health endpoint URL")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output health status as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")

	return cmd
}
