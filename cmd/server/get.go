package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/leonardcser/pulse-edge/internal/api"
	"github.com/leonardcser/pulse-edge/internal/config"
)

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "GET a JSON resource from the trend API with retries",
		Long: `Get resolves the API base URL (PULSE_EDGE_API_URL, the origin's /api in
production, or the local development port) and prints the JSON response.

Example:
  pulse-edge get /trends`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client := api.NewClient(cfg.APIBaseURL(), api.Options{Session: api.StaticToken(cfg.Token)})
			var body json.RawMessage
			if err := client.GetJSON(cmd.Context(), args[0], &body); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(body)
		},
	}
}
