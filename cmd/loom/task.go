package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"loom/internal/domain"
	"loom/internal/jsonx"
)

func newTaskCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and steer tasks",
	}
	cmd.AddCommand(
		newTaskListCommand(cli),
		newTaskShowCommand(cli),
		newTaskRetryCommand(cli),
		newTaskCancelCommand(cli),
		newTaskReviewCommand(cli),
	)
	return cmd
}

func newTaskListCommand(cli *CLI) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list PROJECT_ID",
		Short: "List a project's tasks in scheduling order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if status != "" {
				query.Set("status", status)
			}
			path := "/api/tasks/project/" + args[0]
			if encoded := query.Encode(); encoded != "" {
				path += "?" + encoded
			}

			body, err := cli.api.get(cmd.Context(), path)
			if err != nil {
				return err
			}
			if cli.jsonOut {
				cli.printJSON(cmd, body)
				return nil
			}

			var tasks []domain.Task
			if err := jsonx.Unmarshal(body, &tasks); err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), gray("No tasks."))
				return nil
			}

			rows := make([][]string, 0, len(tasks))
			for _, t := range tasks {
				retries := ""
				if t.RetryCount > 0 {
					retries = fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries)
				}
				rows = append(rows, []string{
					t.ID,
					fmt.Sprintf("%d", t.Wave),
					truncate(t.Title, 40),
					paintStatus(string(t.Status)),
					string(t.ModelTier),
					retries,
					money(t.CostUSD),
				})
			}
			table(cmd.OutOrStdout(), []string{"ID", "WAVE", "TITLE", "STATUS", "TIER", "RETRIES", "COST"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func newTaskShowCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show one task with its output and verification state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := cli.api.get(cmd.Context(), "/api/tasks/"+args[0])
			if err != nil {
				return err
			}
			if cli.jsonOut {
				cli.printJSON(cmd, body)
				return nil
			}

			var t domain.Task
			if err := jsonx.Unmarshal(body, &t); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s\n", bold(t.Title), gray(t.ID))
			fmt.Fprintf(out, "Project:  %s\n", t.ProjectID)
			fmt.Fprintf(out, "Status:   %s\n", paintStatus(string(t.Status)))
			fmt.Fprintf(out, "Type:     %s (%s, %s tier)\n", t.Type, t.Complexity, t.ModelTier)
			fmt.Fprintf(out, "Wave:     %d", t.Wave)
			if t.Phase != "" {
				fmt.Fprintf(out, "  (%s)", t.Phase)
			}
			fmt.Fprintln(out)
			if len(t.DependsOn) > 0 {
				fmt.Fprintf(out, "After:    %s\n", strings.Join(t.DependsOn, ", "))
			}
			if t.RetryCount > 0 {
				fmt.Fprintf(out, "Retries:  %d of %d\n", t.RetryCount, t.MaxRetries)
			}
			if t.ModelUsed != "" {
				fmt.Fprintf(out, "Model:    %s (%d prompt + %d completion tokens, %s)\n",
					t.ModelUsed, t.PromptTokens, t.CompletionTokens, money(t.CostUSD))
			}
			if t.VerificationStatus != "" {
				fmt.Fprintf(out, "Verified: %s", paintStatus(string(t.VerificationStatus)))
				if t.VerificationNotes != "" {
					fmt.Fprintf(out, " (%s)", truncate(t.VerificationNotes, 80))
				}
				fmt.Fprintln(out)
			}
			if t.Error != "" {
				fmt.Fprintf(out, "Error:    %s\n", red(t.Error))
			}
			if t.Description != "" {
				fmt.Fprintf(out, "\n%s\n%s\n", bold("Description"), t.Description)
			}
			if t.OutputText != "" {
				fmt.Fprintf(out, "\n%s\n%s\n", bold("Output"), t.OutputText)
			}
			return nil
		},
	}
}

func newTaskRetryCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "retry ID",
		Short: "Queue a failed task for another attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := cli.api.post(cmd.Context(), "/api/tasks/"+args[0]+"/retry", nil)
			if err != nil {
				return err
			}
			if cli.jsonOut {
				cli.printJSON(cmd, body)
				return nil
			}
			var t domain.Task
			if err := jsonx.Unmarshal(body, &t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Task %s back to %s (attempt %d of %d)\n",
				green("✓"), t.ID, paintStatus(string(t.Status)), t.RetryCount, t.MaxRetries)
			return nil
		},
	}
}

func newTaskCancelCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a task that has not started running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := cli.api.post(cmd.Context(), "/api/tasks/"+args[0]+"/cancel", nil)
			if err != nil {
				return err
			}
			if cli.jsonOut {
				cli.printJSON(cmd, body)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Task %s cancelled\n", green("✓"), args[0])
			return nil
		},
	}
}

func newTaskReviewCommand(cli *CLI) *cobra.Command {
	var action, feedback string

	cmd := &cobra.Command{
		Use:   "review ID",
		Short: "Resolve a task waiting on human review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := cli.api.post(cmd.Context(), "/api/tasks/"+args[0]+"/review", map[string]any{
				"action":   action,
				"feedback": feedback,
			})
			if err != nil {
				return err
			}
			if cli.jsonOut {
				cli.printJSON(cmd, body)
				return nil
			}
			var t domain.Task
			if err := jsonx.Unmarshal(body, &t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Task %s is now %s\n", green("✓"), t.ID, paintStatus(string(t.Status)))
			return nil
		},
	}

	cmd.Flags().StringVar(&action, "action", "approve", "approve or retry")
	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback forwarded to the retry attempt")
	return cmd
}
