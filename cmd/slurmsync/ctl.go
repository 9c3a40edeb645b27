package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/slurmsync/pkg/client"
	"github.com/cuemby/slurmsync/pkg/reconciler"
	"github.com/cuemby/slurmsync/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// withClient runs fn against the manager with the default request timeout
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), client.DefaultTimeout)
	defer cancel()
	return fn(ctx, c)
}

// printStructured writes v as yaml or json
func printStructured(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q (want table, yaml or json)", format)
	}
}

// Status

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show convergence and member status",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if output != "table" {
				return printStructured(cmd.OutOrStdout(), output, st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		})
	},
}

func printStatus(out io.Writer, st *reconciler.Status) {
	state := "converging"
	switch {
	case !st.Running:
		state = "stopped"
	case st.Halted:
		state = "halted: " + st.HaltReason
	case st.Converged:
		state = "converged"
	}

	fmt.Fprintf(out, "State:       %s\n", state)
	fmt.Fprintf(out, "Version:     %d\n", st.Version)
	fmt.Fprintf(out, "Generation:  %d\n", st.Generation)
	if st.Digest != "" {
		fmt.Fprintf(out, "Digest:      %s\n", st.Digest)
	}
	controller := st.Controller
	if controller == "" {
		controller = "<none>"
	}
	fmt.Fprintf(out, "Controller:  %s\n", controller)
	gens := make([]string, len(st.Generations))
	for i, g := range st.Generations {
		gens[i] = fmt.Sprintf("%d", g)
	}
	fmt.Fprintf(out, "Generations: %s\n", strings.Join(gens, ", "))
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tROLE\tSTATE\tREADY\tAPPLIED\tTASK\tLAST HEARTBEAT")
	for _, m := range st.Members {
		node := m.NodeID
		if m.Authoritative {
			node += " *"
		}
		task := string(m.Task)
		if m.Demoting {
			task = "demote " + task
		}
		if task == "" {
			task = "-"
		} else if m.Attempts > 0 {
			task = fmt.Sprintf("%s (%d)", task, m.Attempts)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\tv%d/g%d\t%s\t%s\n",
			node, m.Role, m.State, m.Ready, m.AppliedVersion, m.AppliedGeneration, task, since(m.LastHeartbeat))
	}
	w.Flush()
}

func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Truncate(time.Second).String() + " ago"
}

// Config

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the current cluster configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			cfg, err := c.Config(ctx)
			if err != nil {
				return err
			}
			return printStructured(cmd.OutOrStdout(), output, cfg)
		})
	},
}

// Members

var memberCmd = &cobra.Command{
	Use:   "member",
	Short: "Submit membership events",
}

var memberJoinCmd = &cobra.Command{
	Use:   "join NODE_ID",
	Short: "Register or update a member",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		role, _ := flags.GetString("role")
		address, _ := flags.GetString("address")
		partition, _ := flags.GetString("partition")
		cpus, _ := flags.GetInt("cpus")
		memory, _ := flags.GetInt64("memory")
		gres, _ := flags.GetStringSlice("gres")
		port, _ := flags.GetInt("port")

		ev := types.MembershipEvent{
			Role:         types.Role(role),
			NodeID:       args[0],
			Address:      address,
			Partition:    partition,
			CPUs:         cpus,
			RealMemoryMB: memory,
			Gres:         gres,
			Port:         port,
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			if err := c.Join(ctx, ev); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Member %s registered\n", args[0])
			return nil
		})
	},
}

var memberLeaveCmd = &cobra.Command{
	Use:   "leave NODE_ID",
	Short: "Remove a member from the cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			if err := c.Leave(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Member %s removed\n", args[0])
			return nil
		})
	},
}

var memberHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat NODE_ID",
	Short: "Report a member alive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		applied, _ := cmd.Flags().GetUint64("applied")
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			return c.Heartbeat(ctx, args[0], applied)
		})
	},
}

// Secrets

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage the shared authentication key",
}

var secretRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Create a new key generation and roll it out",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			gen, err := c.RotateSecret(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Rotated to generation %d\n", gen)
			return nil
		})
	},
}

// Controller

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Manage controller authority",
}

var controllerPromoteCmd = &cobra.Command{
	Use:   "promote NODE_ID",
	Short: "Hand controller authority to a controller member",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		// A handoff waits for demote and activate acknowledgements
		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		if err := c.Promote(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is the authoritative controller\n", args[0])
		return nil
	},
}

// Cluster

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage the manager Raft cluster",
}

var clusterTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a join token for another manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			jt, err := c.JoinToken(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, jt.Token)
			fmt.Fprintf(os.Stderr, "Expires: %s\n", jt.ExpiresAt.Format(time.RFC3339))
			return nil
		})
	},
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join NODE_ID RAFT_ADDR",
	Short: "Add a manager to the Raft cluster as a voter",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			return fmt.Errorf("--token is required")
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			if err := c.JoinCluster(ctx, args[0], args[1], token); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Manager %s added at %s\n", args[0], args[1])
			return nil
		})
	},
}

// Events

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent cluster events",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		alerts, _ := cmd.Flags().GetBool("alerts")
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			evs, err := c.Events(ctx, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSEVERITY\tTYPE\tMESSAGE")
			for _, ev := range evs {
				if alerts && !ev.Alert() {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					ev.Timestamp.Format(time.RFC3339), ev.Severity, ev.Type, ev.Message)
			}
			return w.Flush()
		})
	},
}

func init() {
	statusCmd.Flags().StringP("output", "o", "table", "Output format: table, yaml or json")
	configCmd.Flags().StringP("output", "o", "yaml", "Output format: yaml or json")

	memberJoinCmd.Flags().String("role", string(types.RoleCompute), "Member role: controller, compute, database, login or gateway")
	memberJoinCmd.Flags().String("address", "", "Address the manager pushes bundles to")
	memberJoinCmd.Flags().String("partition", "", "Partition of a compute member")
	memberJoinCmd.Flags().Int("cpus", 0, "CPU count of a compute member")
	memberJoinCmd.Flags().Int64("memory", 0, "Real memory in MB of a compute member")
	memberJoinCmd.Flags().StringSlice("gres", nil, "Generic resources of a compute member")
	memberJoinCmd.Flags().Int("port", 0, "Daemon port override")
	memberHeartbeatCmd.Flags().Uint64("applied", 0, "Config version the member has applied")
	memberCmd.AddCommand(memberJoinCmd, memberLeaveCmd, memberHeartbeatCmd)

	secretCmd.AddCommand(secretRotateCmd)

	controllerPromoteCmd.Flags().Duration("timeout", 2*time.Minute, "How long to wait for the handoff")
	controllerCmd.AddCommand(controllerPromoteCmd)

	clusterJoinCmd.Flags().String("token", "", "Join token issued by the leader")
	clusterCmd.AddCommand(clusterTokenCmd, clusterJoinCmd)

	eventsCmd.Flags().Int("limit", 0, "Number of events to show (default: server history)")
	eventsCmd.Flags().Bool("alerts", false, "Show warning and critical events only")
}
