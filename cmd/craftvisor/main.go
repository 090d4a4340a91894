package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/craftvisor/internal/console"
	"github.com/loykin/craftvisor/pkg/client"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath  string
	APIUrl      string
	APITimeout  time.Duration
	APICACert   string
	APIInsecure bool
}

func (g *GlobalFlags) client() (*client.Client, error) {
	return client.New(client.Config{
		BaseURL:  g.APIUrl,
		Timeout:  g.APITimeout,
		CACert:   g.APICACert,
		Insecure: g.APIInsecure,
	})
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "craftvisor",
		Short: "Game server supervisor",
		Long: `Craftvisor runs game server processes, restarts them when they crash,
backs them up, updates their executables and runs scheduled commands.

Examples:
  craftvisor serve --config=/etc/craftvisor/craftvisor.toml
  craftvisor status
  craftvisor send 1 restart_server
  craftvisor send 1 say Restarting in 5 minutes
  craftvisor console 1`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", client.DefaultBaseURL, "daemon API URL")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().StringVar(&flags.APICACert, "api-ca", "", "CA certificate for an HTTPS daemon")
	root.PersistentFlags().BoolVar(&flags.APIInsecure, "api-insecure", false, "skip TLS verification")

	root.AddCommand(
		createServeCommand(flags),
		createStatusCommand(flags),
		createSendCommand(flags),
		createRemoveCommand(flags),
		createConsoleCommand(flags),
		createSchedulesCommand(flags),
	)
	return root
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of every server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			sts, err := c.Statuses(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATE\tPID\tRESTARTS\tBACKUP\tUPDATE")
			for _, s := range sts {
				_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%t\t%t\n",
					s.ServerID, s.Name, s.State, s.PID, s.RestartCount, s.BackingUp, s.Updating)
			}
			return w.Flush()
		},
	}
}

func createSendCommand(flags *GlobalFlags) *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "send <server-id> <command...>",
		Short: "Queue a command for a server",
		Long: `Queue a command for the dispatcher. start_server, stop_server, restart_server,
kill_server, backup_server and update_executable are lifecycle actions; anything
else is written to the server console.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseServerID(args[0])
			if err != nil {
				return err
			}
			c, err := flags.client()
			if err != nil {
				return err
			}
			qid, err := c.Enqueue(cmd.Context(), id, client.CommandRequest{Command: strings.Join(args[1:], " "), UserID: userID})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "queued command %d\n", qid)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "user the command is issued as (0 = system)")
	return cmd
}

func createRemoveCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <server-id>",
		Short: "Stop and delete a server with its queued commands and schedules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseServerID(args[0])
			if err != nil {
				return err
			}
			c, err := flags.client()
			if err != nil {
				return err
			}
			if err := c.DeleteServer(cmd.Context(), id); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed server %d\n", id)
			return nil
		},
	}
}

func createConsoleCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "console <server-id>",
		Short: "Print the recent console output of a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseServerID(args[0])
			if err != nil {
				return err
			}
			c, err := flags.client()
			if err != nil {
				return err
			}
			lines, err := c.Console(cmd.Context(), id)
			if err != nil {
				return err
			}
			printConsole(cmd.OutOrStdout(), lines)
			return nil
		},
	}
}

func createSchedulesCommand(flags *GlobalFlags) *cobra.Command {
	var live bool
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "List scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if live {
				entries, err := c.Entries(cmd.Context())
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(w, "SCHEDULE\tNEXT\tCHAINED")
				for _, e := range entries {
					_, _ = fmt.Fprintf(w, "%d\t%s\t%t\n", e.ScheduleID, e.Next.Format(time.RFC3339), e.Chained)
				}
				return w.Flush()
			}
			list, err := c.Schedules(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(w, "ID\tSERVER\tNAME\tACTION\tTYPE\tENABLED\tONE-TIME")
			for _, s := range list {
				_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%t\t%t\n",
					s.ID, s.ServerID, s.Name, s.Action, s.IntervalType, s.Enabled, s.OneTime)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "show live engine entries with their next run")
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <schedule-id>",
		Short: "Delete a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid schedule id %q", args[0])
			}
			c, err := flags.client()
			if err != nil {
				return err
			}
			if err := c.DeleteSchedule(cmd.Context(), id); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted schedule %d\n", id)
			return nil
		},
	})
	return cmd
}

func parseServerID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid server id %q", s)
	}
	return id, nil
}

// printConsole writes console lines as plain text.
func printConsole(w io.Writer, lines []string) {
	for _, l := range lines {
		_, _ = fmt.Fprintln(w, console.PlainText(l))
	}
}
