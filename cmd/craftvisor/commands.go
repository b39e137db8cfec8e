package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/craftvisor/pkg/client"
)

func newClient(flags *GlobalFlags) (*client.Client, error) {
	return client.New(client.Config{
		BaseURL:  strings.TrimRight(flags.APIUrl, "/"),
		Timeout:  flags.APITimeout,
		CACert:   flags.CACert,
		Insecure: flags.Insecure,
	})
}

// clientCmd builds a subcommand that talks to the daemon.
func clientCmd(flags *GlobalFlags, use, short string, args cobra.PositionalArgs, run func(*cobra.Command, *client.Client, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, a []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			return run(cmd, c, a)
		},
	}
}

func clientCommands(flags *GlobalFlags) []*cobra.Command {
	action := func(verb, short string, op func(*client.Client, context.Context, string) error) *cobra.Command {
		return clientCmd(flags, verb+" NAME", short, cobra.ExactArgs(1), func(cmd *cobra.Command, c *client.Client, a []string) error {
			if err := op(c, cmd.Context(), a[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s requested\n", a[0], verb)
			return nil
		})
	}

	list := clientCmd(flags, "list [PATTERN]", "List registered servers ('*' wildcards)", cobra.MaximumNArgs(1),
		func(cmd *cobra.Command, c *client.Client, a []string) error {
			names, err := c.List(cmd.Context(), a...)
			if err != nil {
				return err
			}
			for _, n := range names {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		})

	status := clientCmd(flags, "status NAME", "Show a server's lifecycle state", cobra.ExactArgs(1),
		func(cmd *cobra.Command, c *client.Client, a []string) error {
			st, err := c.Status(cmd.Context(), a[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		})

	players := clientCmd(flags, "players NAME", "List online players", cobra.ExactArgs(1),
		func(cmd *cobra.Command, c *client.Client, a []string) error {
			ps, err := c.Players(cmd.Context(), a[0])
			if err != nil {
				return err
			}
			for _, p := range ps {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		})

	tasks := clientCmd(flags, "tasks NAME", "List a server's scheduled tasks", cobra.ExactArgs(1),
		func(cmd *cobra.Command, c *client.Client, a []string) error {
			ts, err := c.Tasks(cmd.Context(), a[0])
			if err != nil {
				return err
			}
			return printTasks(cmd.OutOrStdout(), ts)
		})

	send := clientCmd(flags, "send NAME COMMAND...", "Write a console command to a server", cobra.MinimumNArgs(2),
		func(cmd *cobra.Command, c *client.Client, a []string) error {
			return c.Send(cmd.Context(), a[0], strings.Join(a[1:], " "))
		})

	metricsCmd := clientCmd(flags, "metrics [NAME]", "Show telemetry for one or all servers", cobra.MaximumNArgs(1),
		func(cmd *cobra.Command, c *client.Client, a []string) error {
			if len(a) == 1 {
				m, err := c.Metrics(cmd.Context(), a[0])
				if err != nil {
					return err
				}
				return printMetrics(cmd.OutOrStdout(), []client.ServerMetrics{m})
			}
			all, err := c.AllMetrics(cmd.Context())
			if err != nil {
				return err
			}
			return printMetrics(cmd.OutOrStdout(), all)
		})

	var add client.AddRequest
	addCmd := clientCmd(flags, "add NAME DIR", "Register a server directory containing the start script", cobra.ExactArgs(2),
		func(cmd *cobra.Command, c *client.Client, a []string) error {
			req := add
			req.Name, req.Dir = a[0], a[1]
			res, err := c.Add(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !res.Added {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: already registered\n", res.Name)
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: registered\n", res.Name)
			return nil
		})
	addCmd.Flags().StringVar(&add.StopCommand, "stop-command", "", "console command for graceful stop (default \"stop\")")
	addCmd.Flags().StringVar(&add.StopTimeout, "stop-timeout", "", "kill the server if stop has not finished after this duration")
	addCmd.Flags().StringArrayVar(&add.Env, "env", nil, "extra KEY=VALUE environment (repeatable)")

	return []*cobra.Command{
		list, status, players, tasks, send, metricsCmd, addCmd,
		action("remove", "Kill and unregister a server", (*client.Client).Remove),
		action("start", "Start a stopped server", (*client.Client).Start),
		action("stop", "Send the stop command to a running server", (*client.Client).Stop),
		action("kill", "Kill a server's process tree", (*client.Client).Kill),
		action("restart", "Stop a server and start it again once it exits", (*client.Client).Restart),
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMetrics(w io.Writer, ms []client.ServerMetrics) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATUS\tPLAYERS\tTPS\tCPU%\tMEM MiB\tUPTIME")
	for _, m := range ms {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%.1f\t%.1f\t%.1f\t%s\n",
			m.Name, m.Status, m.Players, m.TPS, m.CPUPercent,
			float64(m.MemoryBytes)/(1<<20), (time.Duration(m.Uptime) * time.Millisecond).Truncate(time.Second))
	}
	return tw.Flush()
}

func printTasks(w io.Writer, ts []client.Task) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TASK\tSCHEDULE\tACTION\tNEXT")
	for _, t := range ts {
		name := t.Name
		if name == "" {
			name = "-"
		}
		action := t.Action
		if t.Command != "" {
			action += " " + strconv.Quote(t.Command)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, t.Schedule, action, t.Next.Format(time.RFC3339))
	}
	return tw.Flush()
}
