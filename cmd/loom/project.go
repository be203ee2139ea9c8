package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"loom/internal/domain"
	"loom/internal/jsonx"
	"loom/internal/planner"
	"loom/internal/store"
)

// projectView mirrors the server's project payload.
type projectView struct {
	domain.Project
	TaskSummary store.TaskSummary `json:"task_summary"`
}

func newProjectCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Create and drive projects",
	}
	cmd.AddCommand(
		newProjectCreateCommand(cli),
		newProjectListCommand(cli),
		newProjectShowCommand(cli),
		newProjectPlanCommand(cli),
		newProjectApproveCommand(cli),
		newProjectActionCommand(cli, "execute", "Start or resume execution"),
		newProjectActionCommand(cli, "pause", "Pause an executing project"),
		newProjectActionCommand(cli, "cancel", "Cancel a project and its waiting tasks"),
		newProjectCloneCommand(cli),
		newProjectExportCommand(cli),
		newProjectDeleteCommand(cli),
	)
	return cmd
}

func newProjectCreateCommand(cli *CLI) *cobra.Command {
	var requirements, requirementsFile, rigor string

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a project from written requirements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if requirementsFile != "" {
				data, err := os.ReadFile(requirementsFile)
				if err != nil {
					return err
				}
				requirements = string(data)
			}
			if strings.TrimSpace(requirements) == "" {
				return fmt.Errorf("requirements are required; pass --requirements or --requirements-file")
			}

			body, err := cli.api.post(cmd.Context(), "/api/projects", map[string]any{
				"name":           args[0],
				"requirements":   requirements,
				"planning_rigor": rigor,
			})
			if err != nil {
				return err
			}
			if cli.jsonOut {
				cli.printJSON(cmd, body)
				return nil
			}

			var p projectView
			if err := jsonx.Unmarshal(body, &p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Created project %s (%s)\n", green("✓"), bold(p.Name), p.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "  Next: %s\n", cyan("loom project plan "+p.ID))
			return nil
		},
	}

	cmd.Flags().StringVarP(&requirements, "requirements", "r", "", "requirements text, one per line")
	cmd.Flags().StringVar(&requirementsFile, "requirements-file", "", "read requirements from a file")
	cmd.Flags().StringVar(&rigor, "rigor", "L2", "planning rigor: L1 (fast), L2 (balanced), L3 (thorough)")
	return cmd
}

func newProjectListCommand(cli *CLI) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if status != "" {
				query.Set("status", status)
			}
			query.Set("limit", strconv.Itoa(limit))

			body, err := cli.api.get(cmd.Context(), "/api/projects?"+query.Encode())
			if err != nil {
				return err
			}
			if cli.jsonOut {
				cli.printJSON(cmd, body)
				return nil
			}

			var projects []projectView
			if err := jsonx.Unmarshal(body, &projects); err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), gray("No projects."))
				return nil
			}

			rows := make([][]string, 0, len(projects))
			for _, p := range projects {
				rows = append(rows, []string{
					p.ID,
					truncate(p.Name, 32),
					paintStatus(string(p.Status)),
					string(p.Rigor),
					fmt.Sprintf("%d/%d", p.TaskSummary.Completed, p.TaskSummary.Total),
					shortTime(p.CreatedAt),
				})
			}
			table(cmd.OutOrStdout(), []string{"ID", "NAME", "STATUS", "RIGOR", "TASKS", "CREATED"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum projects to list")
	return cmd
}

func newProjectShowCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show one project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := cli.api.get(cmd.Context(), "/api/projects/"+args[0])
			if err != nil {
				return err
			}
			if cli.jsonOut {
				cli.printJSON(cmd, body)
				return nil
			}

			var p projectView
			if err := jsonx.Unmarshal(body, &p); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s\n", bold(p.Name), gray(p.ID))
			fmt.Fprintf(out, "Status:   %s\n", paintStatus(string(p.Status)))
			fmt.Fprintf(out, "Rigor:    %s\n", p.Rigor)
			fmt.Fprintf(out, "Tasks:    %d total, %d completed, %d running, %d failed\n",
				p.TaskSummary.Total, p.TaskSummary.Completed, p.TaskSummary.Running, p.TaskSummary.Failed)
			fmt.Fprintf(out, "Created:  %s\n", shortTime(p.CreatedAt))
			if p.CompletedAt != nil {
				fmt.Fprintf(out, "Finished: %s\n", shortTime(*p.CompletedAt))
			}
			fmt.Fprintf(out, "\n%s\n", bold("Requirements"))
			for _, line := range strings.Split(strings.TrimSpace(p.Requirements), "\n") {
				fmt.Fprintf(out, "  %s\n", line)
			}
			return nil
		},
	}
}

func newProjectPlanCommand(cli *CLI) *cobra.Command {
	var rigor string

	cmd := &cobra.Command{
		Use:   "plan ID",
		Short: "Generate the next plan version",
		Long: `Asks the planning model for a plan and stores it as a draft version.
Review it with loom project show, then approve a version with
loom project approve to decompose it into tasks.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if rigor != "" {
				if _, err := cli.api.patch(cmd.Context(), "/api/projects/"+id, map[string]any{"planning_rigor": rigor}); err != nil {
					return err
				}
			}

			fmt.Fprintln(cmd.ErrOrStderr(), gray("Planning... this can take a minute."))
			body, err := cli.api.post(cmd.Context(), "/api/projects/"+id+"/plan", nil)
			if err != nil {
				return err
			}
			if cli.jsonOut {
				cli.printJSON(cmd, body)
				return nil
			}

			var result planner.Result
			if err := jsonx.Unmarshal(body, &result); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s Plan %s (version %d) drafted by %s for %s\n",
				green("✓"), result.PlanID, result.Version, result.ModelUsed, money(result.CostUSD))
			if result.Plan != nil {
				printPlanDocument(cmd, result.Plan)
			}
			fmt.Fprintf(out, "\nApprove with: %s\n", cyan(fmt.Sprintf("loom project approve %s %s", id, result.PlanID)))
			return nil
		},
	}

	cmd.Flags().StringVar(&rigor, "rigor", "", "change planning rigor before planning (L1, L2, L3)")
	return cmd
}

func printPlanDocument(cmd *cobra.Command, doc *domain.PlanDocument) {
	out := cmd.OutOrStdout()
	if doc.Summary != "" {
		fmt.Fprintf(out, "\n%s\n", doc.Summary)
	}

	tasks, phases := doc.FlatTasks()
	lastPhase := ""
	for i, task := range tasks {
		if phases[i] != "" && phases[i] != lastPhase {
			lastPhase = phases[i]
			fmt.Fprintf(out, "\n%s\n", bold(lastPhase))
		}
		deps := make([]string, 0, len(task.DependsOn))
		for _, d := range task.DependsOn {
			if d.Valid {
				deps = append(deps, strconv.Itoa(d.Value))
			}
		}
		suffix := ""
		if len(deps) > 0 {
			suffix = gray(" (after " + strings.Join(deps, ", ") + ")")
		}
		fmt.Fprintf(out, "  %2d. %s [%s/%s]%s\n", i, task.Title, task.TaskType, task.Complexity, suffix)
	}
	for _, q := range doc.OpenQuestions {
		fmt.Fprintf(out, "%s %s\n", yellow("?"), q)
	}
	for _, r := range doc.Risks {
		fmt.Fprintf(out, "%s %s\n", red("!"), r)
	}
}

func newProjectApproveCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "approve PROJECT_ID PLAN_ID",
		Short: "Approve a draft plan and decompose it into tasks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := cli.api.post(cmd.Context(), "/api/projects/"+args[0]+"/plans/"+args[1]+"/approve", nil)
			if err != nil {
				return err
			}
			if cli.jsonOut {
				cli.printJSON(cmd, body)
				return nil
			}

			var result struct {
				TasksCreated     int     `json:"tasks_created"`
				TotalWaves       int     `json:"total_waves"`
				EstimatedCostUSD float64 `json:"estimated_cost_usd"`
			}
			if err := jsonx.Unmarshal(body, &result); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d task(s) in %d wave(s), estimated %s\n",
				green("✓"), result.TasksCreated, result.TotalWaves, money(result.EstimatedCostUSD))
			fmt.Fprintf(cmd.OutOrStdout(), "Run with: %s\n", cyan("loom project execute "+args[0]))
			return nil
		},
	}
}

// newProjectActionCommand covers the verbs that POST to a project subpath
// and print the resulting status.
func newProjectActionCommand(cli *CLI, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := cli.api.post(cmd.Context(), "/api/projects/"+args[0]+"/"+action, nil)
			if err != nil {
				return err
			}
			if cli.jsonOut {
				cli.printJSON(cmd, body)
				return nil
			}

			var result struct {
				Status         string `json:"status"`
				TasksCancelled int64  `json:"tasks_cancelled"`
			}
			if err := jsonx.Unmarshal(body, &result); err != nil {
				return err
			}
			line := fmt.Sprintf("%s Project %s is now %s", green("✓"), args[0], paintStatus(result.Status))
			if action == "cancel" && result.TasksCancelled > 0 {
				line += fmt.Sprintf(" (%d waiting task(s) cancelled)", result.TasksCancelled)
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
			return nil
		},
	}
}

func newProjectCloneCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "clone ID",
		Short: "Clone a project with its plans and task graph, state reset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := cli.api.post(cmd.Context(), "/api/projects/"+args[0]+"/clone", nil)
			if err != nil {
				return err
			}
			if cli.jsonOut {
				cli.printJSON(cmd, body)
				return nil
			}

			var p projectView
			if err := jsonx.Unmarshal(body, &p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Cloned into %s (%s)\n", green("✓"), bold(p.Name), p.ID)
			return nil
		},
	}
}

func newProjectDeleteCommand(cli *CLI) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a project and everything under it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				prompt := promptui.Prompt{
					Label:     fmt.Sprintf("Delete project %s and all its plans, tasks, and history", args[0]),
					IsConfirm: true,
				}
				if _, err := prompt.Run(); err != nil {
					fmt.Fprintln(cmd.OutOrStdout(), gray("Aborted."))
					return nil
				}
			}
			if _, err := cli.api.delete(cmd.Context(), "/api/projects/"+args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Project %s deleted\n", green("✓"), args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	return cmd
}

func newProjectExportCommand(cli *CLI) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "export ID",
		Short: "Export a project with plans, tasks, events, and usage as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := cli.api.get(cmd.Context(), "/api/projects/"+args[0]+"/export")
			if err != nil {
				return err
			}
			if outPath == "-" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}
			path := outPath
			if path == "" {
				path = fmt.Sprintf("project-%s-export.json", args[0])
			}
			if err := os.WriteFile(path, body, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", green("✓"), path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "", "output file (default project-<id>-export.json, - for stdout)")
	return cmd
}
