package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"loom/internal/budget"
	"loom/internal/jsonx"
)

func newUsageCommand(cli *CLI) *cobra.Command {
	var daily, byProject bool
	var days int

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show spend, token usage, and budget headroom",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case daily:
				return printDailyUsage(cli, cmd, days)
			case byProject:
				return printUsageByProject(cli, cmd)
			default:
				return printUsageSummary(cli, cmd)
			}
		},
	}

	cmd.Flags().BoolVar(&daily, "daily", false, "show per-day usage")
	cmd.Flags().BoolVar(&byProject, "by-project", false, "show per-project usage")
	cmd.Flags().IntVar(&days, "days", 30, "days of history for --daily")
	return cmd
}

func printUsageSummary(cli *CLI, cmd *cobra.Command) error {
	summaryBody, err := cli.api.get(cmd.Context(), "/api/usage/summary")
	if err != nil {
		return err
	}
	statusBody, err := cli.api.get(cmd.Context(), "/api/usage/budget")
	if err != nil {
		return err
	}
	if cli.jsonOut {
		cli.printJSON(cmd, summaryBody)
		cli.printJSON(cmd, statusBody)
		return nil
	}

	var summary budget.Summary
	if err := jsonx.Unmarshal(summaryBody, &summary); err != nil {
		return err
	}
	var status budget.Status
	if err := jsonx.Unmarshal(statusBody, &status); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s across %d API call(s), %d prompt + %d completion tokens\n\n",
		bold("Total spend:"), money(summary.TotalCostUSD), summary.APICallCount,
		summary.TotalPromptTokens, summary.TotalCompletionTokens)

	if len(summary.ByModel) > 0 {
		rows := make([][]string, 0, len(summary.ByModel))
		for _, b := range summary.ByModel {
			rows = append(rows, []string{b.Name, money(b.CostUSD), strconv.FormatInt(b.APICallCount, 10)})
		}
		table(out, []string{"MODEL", "COST", "CALLS"}, rows)
		fmt.Fprintln(out)
	}

	printPeriod(cmd, "Daily", status.Daily)
	printPeriod(cmd, "Monthly", status.Monthly)
	if status.Warning {
		fmt.Fprintf(out, "%s budget warning threshold crossed\n", yellow("!"))
	}
	return nil
}

func printPeriod(cmd *cobra.Command, label string, p budget.PeriodStatus) {
	line := fmt.Sprintf("%-8s %s of %s (%.0f%%)", label, money(p.SpentUSD), money(p.LimitUSD), p.Percent)
	if p.ReservedUSD > 0 {
		line += fmt.Sprintf(", %s reserved", money(p.ReservedUSD))
	}
	switch {
	case p.Percent >= 100:
		line = red(line)
	case p.Percent >= 80:
		line = yellow(line)
	}
	fmt.Fprintln(cmd.OutOrStdout(), line)
}

func printDailyUsage(cli *CLI, cmd *cobra.Command, days int) error {
	body, err := cli.api.get(cmd.Context(), "/api/usage/daily?days="+strconv.Itoa(days))
	if err != nil {
		return err
	}
	if cli.jsonOut {
		cli.printJSON(cmd, body)
		return nil
	}

	var entries []struct {
		Date             string  `json:"date"`
		CostUSD          float64 `json:"cost_usd"`
		PromptTokens     int64   `json:"prompt_tokens"`
		CompletionTokens int64   `json:"completion_tokens"`
		APICalls         int64   `json:"api_calls"`
	}
	if err := jsonx.Unmarshal(body, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), gray("No usage recorded."))
		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.Date,
			money(e.CostUSD),
			strconv.FormatInt(e.APICalls, 10),
			fmt.Sprintf("%d + %d", e.PromptTokens, e.CompletionTokens),
		})
	}
	table(cmd.OutOrStdout(), []string{"DATE", "COST", "CALLS", "TOKENS"}, rows)
	return nil
}

func printUsageByProject(cli *CLI, cmd *cobra.Command) error {
	body, err := cli.api.get(cmd.Context(), "/api/usage/by-project")
	if err != nil {
		return err
	}
	if cli.jsonOut {
		cli.printJSON(cmd, body)
		return nil
	}

	var entries []struct {
		ProjectID   string  `json:"project_id"`
		ProjectName string  `json:"project_name"`
		CostUSD     float64 `json:"cost_usd"`
		APICalls    int64   `json:"api_calls"`
	}
	if err := jsonx.Unmarshal(body, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), gray("No usage recorded."))
		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			truncate(e.ProjectName, 32),
			e.ProjectID,
			money(e.CostUSD),
			strconv.FormatInt(e.APICalls, 10),
		})
	}
	table(cmd.OutOrStdout(), []string{"PROJECT", "ID", "COST", "CALLS"}, rows)
	return nil
}
