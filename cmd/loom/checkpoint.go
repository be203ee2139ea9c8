package main

import (
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"loom/internal/domain"
	"loom/internal/jsonx"
)

func newCheckpointCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Answer questions the engine escalated to you",
	}
	cmd.AddCommand(
		newCheckpointListCommand(cli),
		newCheckpointResolveCommand(cli),
	)
	return cmd
}

func newCheckpointListCommand(cli *CLI) *cobra.Command {
	var resolved bool

	cmd := &cobra.Command{
		Use:   "list PROJECT_ID",
		Short: "List open checkpoints for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/checkpoints/project/" + args[0]
			if resolved {
				path += "?resolved=true"
			}

			body, err := cli.api.get(cmd.Context(), path)
			if err != nil {
				return err
			}
			if cli.jsonOut {
				cli.printJSON(cmd, body)
				return nil
			}

			var checkpoints []domain.Checkpoint
			if err := jsonx.Unmarshal(body, &checkpoints); err != nil {
				return err
			}
			if len(checkpoints) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), gray("No checkpoints."))
				return nil
			}

			rows := make([][]string, 0, len(checkpoints))
			for _, cp := range checkpoints {
				state := yellow("open")
				if cp.ResolvedAt != nil {
					state = green("resolved")
				}
				rows = append(rows, []string{
					cp.ID,
					cp.TaskID,
					cp.CheckpointType,
					state,
					truncate(cp.Question, 60),
				})
			}
			table(cmd.OutOrStdout(), []string{"ID", "TASK", "TYPE", "STATE", "QUESTION"}, rows)
			return nil
		},
	}

	cmd.Flags().BoolVar(&resolved, "resolved", false, "include resolved checkpoints")
	return cmd
}

func newCheckpointResolveCommand(cli *CLI) *cobra.Command {
	var action, guidance string

	cmd := &cobra.Command{
		Use:   "resolve ID",
		Short: "Resolve a checkpoint: retry, skip, or fail the task",
		Long: `Resolves a checkpoint. With --action the resolution is applied directly;
without it the checkpoint is shown and the resolution picked interactively.
Retry guidance is forwarded into the task's next attempt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if action == "" {
				picked, pickedGuidance, err := pickResolution(cli, cmd, args[0])
				if err != nil {
					return err
				}
				action, guidance = picked, pickedGuidance
			}

			body, err := cli.api.post(cmd.Context(), "/api/checkpoints/"+args[0]+"/resolve", map[string]any{
				"action":   action,
				"guidance": guidance,
			})
			if err != nil {
				return err
			}
			if cli.jsonOut {
				cli.printJSON(cmd, body)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Checkpoint %s resolved: %s\n", green("✓"), args[0], action)
			return nil
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "retry, skip, or fail (omit to choose interactively)")
	cmd.Flags().StringVar(&guidance, "guidance", "", "guidance forwarded to the retry attempt")
	return cmd
}

// pickResolution shows the checkpoint and prompts for a resolution.
func pickResolution(cli *CLI, cmd *cobra.Command, id string) (string, string, error) {
	body, err := cli.api.get(cmd.Context(), "/api/checkpoints/"+id)
	if err != nil {
		return "", "", err
	}
	var cp domain.Checkpoint
	if err := jsonx.Unmarshal(body, &cp); err != nil {
		return "", "", err
	}
	if cp.ResolvedAt != nil {
		return "", "", fmt.Errorf("checkpoint %s is already resolved", id)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  task %s\n", bold(cp.Summary), cp.TaskID)
	for _, attempt := range cp.Context.Attempts {
		fmt.Fprintf(out, "  %s %s\n", gray(attempt.Timestamp), red(truncate(attempt.Message, 100)))
	}
	fmt.Fprintf(out, "\n%s\n\n", cp.Question)

	sel := promptui.Select{
		Label: "Resolution",
		Items: []string{
			string(domain.CheckpointRetry) + " - reset retries and run the task again",
			string(domain.CheckpointSkip) + " - cancel the task, dependents proceed without it",
			string(domain.CheckpointFail) + " - fail the task and its project",
		},
	}
	idx, _, err := sel.Run()
	if err != nil {
		return "", "", err
	}
	action := []string{
		string(domain.CheckpointRetry),
		string(domain.CheckpointSkip),
		string(domain.CheckpointFail),
	}[idx]

	guidance := ""
	if action == string(domain.CheckpointRetry) {
		prompt := promptui.Prompt{Label: "Guidance for the retry (optional)"}
		guidance, err = prompt.Run()
		if err != nil {
			return "", "", err
		}
		guidance = strings.TrimSpace(guidance)
	}
	return action, guidance, nil
}
