package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/slurmsync/pkg/agent"
	"github.com/cuemby/slurmsync/pkg/client"
	"github.com/cuemby/slurmsync/pkg/log"
	"github.com/cuemby/slurmsync/pkg/types"
	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the node agent on a cluster member",
	Long: `Run the node agent on a cluster member.

The agent registers the node with the manager, heartbeats its applied
config version and writes every bundle the manager pushes into its state
directory.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().String("node-id", "", "Node ID of this member")
	agentCmd.Flags().String("role", "", "Member role: controller, compute, database, login or gateway")
	agentCmd.Flags().String("address", "", "Address the manager pushes bundles to")
	agentCmd.Flags().String("listen-addr", "", "Address to receive bundles on")
	agentCmd.Flags().String("state-dir", "", "Directory for the applied config and key")
	agentCmd.Flags().String("partition", "", "Partition of a compute member")
	agentCmd.Flags().Bool("keep-registration", false, "Do not leave the cluster on shutdown")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("node-id") {
		cfg.NodeID, _ = flags.GetString("node-id")
	}
	if flags.Changed("role") {
		role, _ := flags.GetString("role")
		cfg.Agent.Role = types.Role(role)
	}
	if flags.Changed("address") {
		cfg.Agent.Address, _ = flags.GetString("address")
	}
	if flags.Changed("listen-addr") {
		cfg.Agent.ListenAddr, _ = flags.GetString("listen-addr")
	}
	if flags.Changed("state-dir") {
		cfg.Agent.StateDir, _ = flags.GetString("state-dir")
	}
	if flags.Changed("partition") {
		cfg.Agent.Partition, _ = flags.GetString("partition")
	}
	if flags.Changed("manager") {
		cfg.Agent.ManagerAddr, _ = flags.GetString("manager")
	}
	if err := errors.Join(cfg.Validate(), cfg.ValidateAgent()); err != nil {
		return err
	}
	initLogging(cfg)

	c, err := client.NewClient(cfg.Agent.ManagerAddr)
	if err != nil {
		return err
	}
	defer c.Close()

	a, err := agent.New(agent.Config{
		Join:              cfg.JoinEvent(),
		ListenAddr:        cfg.Agent.ListenAddr,
		StateDir:          cfg.Agent.StateDir,
		MetricsAddr:       cfg.Agent.MetricsAddr,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
	}, c)
	if err != nil {
		return err
	}
	if keep, _ := flags.GetBool("keep-registration"); keep {
		a.Heartbeater().LeaveOnStop = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithMember(string(cfg.Agent.Role), cfg.NodeID)
	logger.Info().
		Str("listen_addr", cfg.Agent.ListenAddr).
		Str("manager", cfg.Agent.ManagerAddr).
		Uint64("applied_version", a.Receiver().AppliedVersion()).
		Msg("Agent is running")

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
