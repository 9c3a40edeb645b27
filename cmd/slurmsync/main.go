package main

import (
	"fmt"
	"os"

	"github.com/cuemby/slurmsync/pkg/client"
	"github.com/cuemby/slurmsync/pkg/config"
	"github.com/cuemby/slurmsync/pkg/log"
	"github.com/cuemby/slurmsync/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "slurmsync",
	Short: "slurmsync - membership and config sync for Slurm clusters",
	Long: `slurmsync keeps a registry of Slurm cluster members, owns the shared
authentication key, synthesizes the cluster configuration and drives every
member to converge on it.

Run "slurmsync manager" on the control plane and "slurmsync agent" on every
cluster member.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"slurmsync version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default $"+config.EnvConfig+")")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON")
	rootCmd.PersistentFlags().String("manager", "", "Manager API address (host:port or unix:// socket)")

	rootCmd.AddCommand(managerCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(memberCmd)
	rootCmd.AddCommand(secretCmd)
	rootCmd.AddCommand(controllerCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(eventsCmd)
}

// loadConfig reads the config file and applies the global flags
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}
	return cfg, nil
}

// initLogging configures the global logger and the health version
func initLogging(cfg *config.Config) {
	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	metrics.SetVersion(Version)
}

// newClient connects to the manager named by --manager, falling back to the
// config file's agent.manager_addr
func newClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("manager")
	if addr == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		addr = cfg.Agent.ManagerAddr
	}
	return client.NewClient(addr)
}
