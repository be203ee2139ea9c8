package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"loom/internal/jsonx"
	"loom/internal/monitor"
)

func newResourcesCommand(cli *CLI) *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "resources",
		Short: "Show execution backend availability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			var err error
			if check {
				body, err = cli.api.post(cmd.Context(), "/api/services/check", nil)
			} else {
				body, err = cli.api.get(cmd.Context(), "/api/services")
			}
			if err != nil {
				return err
			}
			if cli.jsonOut {
				cli.printJSON(cmd, body)
				return nil
			}

			var resources []monitor.Resource
			if check {
				var wrapped struct {
					Resources []monitor.Resource `json:"resources"`
				}
				if err := jsonx.Unmarshal(body, &wrapped); err != nil {
					return err
				}
				resources = wrapped.Resources
			} else if err := jsonx.Unmarshal(body, &resources); err != nil {
				return err
			}

			if len(resources) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), gray("No backends configured."))
				return nil
			}

			rows := make([][]string, 0, len(resources))
			for _, r := range resources {
				rows = append(rows, []string{
					r.Name,
					paintStatus(string(r.Status)),
					r.Method,
					fmt.Sprintf("%dms", r.LatencyMS),
					r.URL,
				})
			}
			table(cmd.OutOrStdout(), []string{"BACKEND", "STATUS", "METHOD", "LATENCY", "URL"}, rows)
			return nil
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "probe all backends now instead of showing cached state")
	return cmd
}
