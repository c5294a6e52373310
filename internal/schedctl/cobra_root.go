package schedctl

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"gpuschedd/pkg/types"
)

// BuildRootCmd constructs the schedctl command tree.
func BuildRootCmd() *cobra.Command {
	defaultServer := "http://localhost:8080"
	if v := os.Getenv("SCHEDCTL_SERVER"); v != "" {
		defaultServer = v
	}

	var server string
	root := &cobra.Command{
		Use:           "schedctl",
		Short:         "Control a gpuschedd daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&server, "server", defaultServer, "Daemon base URL (defaults SCHEDCTL_SERVER or http://localhost:8080)")

	client := func() *Client { return NewClient(server) }

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show GPU and scheduler status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client().Status()
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "tasks",
		Short: "List pending, running and completed tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			tl, err := client().Tasks()
			if err != nil {
				return err
			}
			return printJSON(cmd, tl)
		},
	})

	var priority int
	submitCmd := &cobra.Command{
		Use:     "submit <script>",
		Short:   "Submit a script for execution",
		Example: "  schedctl submit /opt/jobs/train.py --priority 5",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().Submit(args[0], priority)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	submitCmd.Flags().IntVar(&priority, "priority", 0, "Higher values are served first")
	root.AddCommand(submitCmd)

	root.AddCommand(&cobra.Command{
		Use:   "task <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := client().Task(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, task)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().Cancel(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Resume the scheduling loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().Start()
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Pause the scheduling loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().Stop()
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	})

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Get or set scheduler intervals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("config requires a subcommand: get|set")
		},
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show the current intervals",
		RunE: func(cmd *cobra.Command, args []string) error {
			iv, err := client().Intervals()
			if err != nil {
				return err
			}
			return printJSON(cmd, iv)
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:     "set <retry> <idle> <error>",
		Short:   "Replace the intervals, in seconds",
		Example: "  schedctl config set 10 2 8",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var iv types.Intervals
			for i, dst := range []*int{&iv.RetryInterval, &iv.IdleInterval, &iv.ErrorInterval} {
				n, err := strconv.Atoi(args[i])
				if err != nil {
					return fmt.Errorf("interval %q is not an integer", args[i])
				}
				*dst = n
			}
			got, err := client().SetIntervals(iv)
			if err != nil {
				return err
			}
			return printJSON(cmd, got)
		},
	})
	root.AddCommand(configCmd)

	// completion command
	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(os.Stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(os.Stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenFishCompletion(os.Stdout, true) }})
	root.AddCommand(completionCmd)

	return root
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}
