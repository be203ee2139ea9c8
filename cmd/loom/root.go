// Command loom is the operator CLI for the orchestration engine. It manages
// projects, tasks, and checkpoints against a running server, and can run the
// engine itself with `loom serve`.
package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is stamped by the build.
var version = "dev"

const defaultAPIURL = "http://127.0.0.1:5200"

// CLI carries the state shared by every command: the resolved server URL,
// the output mode, and the API client built from them.
type CLI struct {
	apiURL  string
	jsonOut bool
	api     *apiClient
}

// NewRootCommand builds the loom command tree.
func NewRootCommand() *cobra.Command {
	cli := &CLI{}

	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "AI task orchestration engine",
		Long: `loom turns a written requirement into a reviewed plan, decomposes the
plan into a dependency graph of typed tasks, and executes the graph against
remote and local models under budget enforcement.

Most commands talk to a running server (loom serve or loom-server); set
--api-url or LOOM_API_URL when it is not on the default address.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cli.setup(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.String("api-url", defaultAPIURL, "base URL of the loom server")
	pf.Bool("json", false, "print raw JSON responses")
	pf.Bool("no-color", false, "disable colored output")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newProjectCommand(cli))
	rootCmd.AddCommand(newTaskCommand(cli))
	rootCmd.AddCommand(newCheckpointCommand(cli))
	rootCmd.AddCommand(newUsageCommand(cli))
	rootCmd.AddCommand(newResourcesCommand(cli))
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

// setup resolves the effective flag values through viper so LOOM_* environment
// variables can stand in for flags, then builds the API client.
func (cli *CLI) setup(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix("LOOM")
	v.AutomaticEnv()
	if err := v.BindPFlag("api_url", cmd.Flags().Lookup("api-url")); err != nil {
		return err
	}

	cli.apiURL = v.GetString("api_url")
	if cli.apiURL == "" {
		cli.apiURL = defaultAPIURL
	}
	cli.jsonOut, _ = cmd.Flags().GetBool("json")
	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
		color.NoColor = true
	}
	cli.api = newAPIClient(cli.apiURL)
	return nil
}

// printJSON writes the raw response body for --json mode.
func (cli *CLI) printJSON(cmd *cobra.Command, body []byte) {
	fmt.Fprintln(cmd.OutOrStdout(), string(body))
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the loom version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "loom %s\n", version)
		},
	}
}
