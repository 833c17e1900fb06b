package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func reloadCmd() *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Trigger a running gateway to reload its feed catalog",
		Long: `Trigger a running gateway instance to re-read its feed catalog from
disk without a restart (spec.md §6: the feed catalog is reloadable at
runtime).

Examples:
  gateway reload
  gateway reload --url http://localhost:8080/admin/reload`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: timeout}
			resp, err := client.Post(url, "application/json", nil)
			if err != nil {
				return fmt.Errorf("reload request failed: %w", err)
			}
			defer resp.Body.Close()

			var status healthStatus
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("decode reload response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("reload failed: %s", status.Status)
			}
			fmt.Printf("status: %s\n", status.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "http://localhost:8080/admin/reload", "Gateway reload endpoint URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")

	return cmd
}
