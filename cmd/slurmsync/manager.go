package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/slurmsync/pkg/api"
	"github.com/cuemby/slurmsync/pkg/client"
	"github.com/cuemby/slurmsync/pkg/config"
	"github.com/cuemby/slurmsync/pkg/distribution"
	"github.com/cuemby/slurmsync/pkg/events"
	"github.com/cuemby/slurmsync/pkg/log"
	"github.com/cuemby/slurmsync/pkg/manager"
	"github.com/cuemby/slurmsync/pkg/metrics"
	"github.com/cuemby/slurmsync/pkg/reconciler"
	"github.com/cuemby/slurmsync/pkg/registry"
	"github.com/cuemby/slurmsync/pkg/secretstore"
	"github.com/cuemby/slurmsync/pkg/synth"
	"github.com/cuemby/slurmsync/pkg/types"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run a slurmsync manager",
	Long: `Run a slurmsync manager.

Without --join the manager bootstraps a new single-node Raft cluster, or
resumes the cluster found in its data directory. With --join it asks the
existing cluster's leader to add it as a voter.

Only the Raft leader runs the reconciliation loop. Followers keep a full
copy of the registry, secrets and published configs and take over on
leader loss.`,
	RunE: runManager,
}

func init() {
	managerCmd.Flags().String("node-id", "", "Unique manager ID")
	managerCmd.Flags().String("data-dir", "", "Data directory for cluster state")
	managerCmd.Flags().String("raft-addr", "", "Address for Raft communication (must be reachable by other managers)")
	managerCmd.Flags().String("api-addr", "", "Address for the gRPC API")
	managerCmd.Flags().String("http-addr", "", "Address for /ready, /health and /metrics (empty disables)")
	managerCmd.Flags().String("join", "", "API address of an existing manager to join")
	managerCmd.Flags().String("token", "", "Join token from the existing cluster")
}

func managerConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("node-id") {
		cfg.NodeID, _ = flags.GetString("node-id")
	}
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("raft-addr") {
		cfg.Manager.RaftAddr, _ = flags.GetString("raft-addr")
	}
	if flags.Changed("api-addr") {
		cfg.Manager.APIAddr, _ = flags.GetString("api-addr")
	}
	if flags.Changed("http-addr") {
		cfg.Manager.HTTPAddr, _ = flags.GetString("http-addr")
	}
	if flags.Changed("join") {
		cfg.Manager.Join, _ = flags.GetString("join")
	}
	if flags.Changed("token") {
		cfg.Manager.Token, _ = flags.GetString("token")
	}

	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node_id is required (--node-id)")
	}
	if cfg.Manager.Join != "" && cfg.Manager.Token == "" {
		return nil, fmt.Errorf("--token is required with --join")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runManager(cmd *cobra.Command, args []string) error {
	cfg, err := managerConfig(cmd)
	if err != nil {
		return err
	}
	initLogging(cfg)
	logger := log.WithComponent("main").With().Str("node_id", cfg.NodeID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sealer, err := openSealer(cfg)
	if err != nil {
		return err
	}

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.Manager.RaftAddr,
		DataDir:  cfg.DataDir,
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	metrics.SetComponent(metrics.ComponentStore, true, "")

	if cfg.Manager.Join == "" {
		if err := mgr.Bootstrap(); err != nil {
			return err
		}
	} else {
		if err := mgr.Start(); err != nil {
			return err
		}
		if err := joinCluster(ctx, cfg); err != nil {
			_ = mgr.Shutdown()
			return err
		}
	}
	metrics.SetComponent(metrics.ComponentRaft, true, "")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	alerts := broker.Subscribe()
	defer broker.Unsubscribe(alerts)
	go logAlerts(alerts, logger)

	apiServer := api.NewServer(mgr, broker)
	plane := &controlPlane{
		cfg:     cfg,
		mgr:     mgr,
		api:     apiServer,
		broker:  broker,
		sealer:  sealer,
		channel: distribution.NewGRPCChannel(cfg.Policy.PushTimeout),
		logger:  log.WithComponent("control-plane"),
	}
	defer plane.channel.Close()

	collector := metrics.NewCollector(plane, plane, mgr)
	collector.Start()
	defer collector.Stop()

	errCh := make(chan error, 3)
	go func() {
		if err := apiServer.Start(cfg.Manager.APIAddr); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()
	if cfg.Manager.HTTPAddr != "" {
		go func() {
			if err := apiServer.StartHTTP(cfg.Manager.HTTPAddr); err != nil {
				errCh <- fmt.Errorf("health endpoint error: %w", err)
			}
		}()
	}
	if cfg.Manager.Socket != "" {
		go func() {
			if err := apiServer.ServeLocal(cfg.Manager.Socket); err != nil {
				logger.Warn().Err(err).Msg("Read-only socket unavailable")
			}
		}()
	}

	leadershipDone := make(chan struct{})
	go func() {
		defer close(leadershipDone)
		mgr.WatchLeadership(ctx, func(leader bool) { plane.onLeadership(ctx, leader) })
	}()

	logger.Info().
		Str("raft_addr", cfg.Manager.RaftAddr).
		Str("api_addr", cfg.Manager.APIAddr).
		Str("http_addr", cfg.Manager.HTTPAddr).
		Msg("Manager is running")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err = <-errCh:
		logger.Error().Err(err).Msg("Shutting down after error")
		stop()
	}

	<-leadershipDone
	plane.follow()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)

	if serr := mgr.Shutdown(); serr != nil {
		return fmt.Errorf("failed to shutdown: %w", serr)
	}
	logger.Info().Msg("Shutdown complete")
	return err
}

// openSealer prefers a passphrase from the environment so managers can share
// a sealing key without copying the key file around
func openSealer(cfg *config.Config) (*secretstore.Sealer, error) {
	if passphrase := os.Getenv(config.EnvSealPassphrase); passphrase != "" {
		return secretstore.NewSealerFromPassphrase(passphrase)
	}
	return secretstore.LoadOrCreateKeyFile(cfg.Manager.SealKeyFile)
}

// joinCluster asks the leader to add this manager as a voter, retrying
// while the leader is unreachable
func joinCluster(ctx context.Context, cfg *config.Config) error {
	c, err := client.NewClient(cfg.Manager.Join)
	if err != nil {
		return err
	}
	defer c.Close()

	logger := log.WithComponent("main")
	for attempt := 1; ; attempt++ {
		err := c.JoinCluster(ctx, cfg.NodeID, cfg.Manager.RaftAddr, cfg.Manager.Token)
		if err == nil {
			logger.Info().Str("leader", cfg.Manager.Join).Msg("Joined cluster")
			return nil
		}
		if attempt >= 5 {
			return fmt.Errorf("failed to join cluster: %w", err)
		}
		logger.Warn().Err(err).Int("attempt", attempt).Msg("Join failed, retrying")
		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// logAlerts logs warning and critical events so they reach the journal
func logAlerts(sub events.Subscriber, logger zerolog.Logger) {
	for ev := range sub {
		if !ev.Alert() {
			continue
		}
		entry := logger.Warn()
		if ev.Severity == events.SeverityCritical {
			entry = logger.Error()
		}
		for k, v := range ev.Metadata {
			entry = entry.Str(k, v)
		}
		entry.Str("event", string(ev.Type)).Msg(ev.Message)
	}
}

// controlPlane owns the leader-only components. They are built on first
// leadership, since opening the secret store writes through Raft, and
// reloaded from the replicated store on every later takeover.
type controlPlane struct {
	cfg     *config.Config
	mgr     *manager.Manager
	api     *api.Server
	broker  *events.Broker
	sealer  *secretstore.Sealer
	channel *distribution.GRPCChannel
	logger  zerolog.Logger

	mu         sync.Mutex
	registry   *registry.Registry
	secrets    *secretstore.Store
	controller *reconciler.Controller
}

func (p *controlPlane) onLeadership(ctx context.Context, leader bool) {
	if !leader {
		p.follow()
		return
	}
	if err := p.lead(ctx); err != nil {
		p.logger.Error().Err(err).Msg("Failed to start controller")
		metrics.SetComponent(metrics.ComponentReconciler, false, err.Error())
	}
}

func (p *controlPlane) lead(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	store := p.mgr.Store()
	if p.controller == nil {
		secrets, err := secretstore.Open(store, p.sealer, secretstore.Options{
			GraceWindow: p.cfg.Manager.GraceWindow,
			KeySize:     p.cfg.Manager.KeySize,
		})
		if err != nil {
			return fmt.Errorf("failed to open secret store: %w", err)
		}
		reg := registry.New(store, registry.Options{})
		if err := reg.Load(); err != nil {
			return fmt.Errorf("failed to load registry: %w", err)
		}
		ctl, err := reconciler.New(reconciler.Deps{
			Registry:    reg,
			Secrets:     secrets,
			Synthesizer: synth.New(p.cfg.SynthOptions()),
			Channel:     p.channel,
			Store:       store,
			Events:      p.broker,
			Policy:      p.cfg.Policy,
		})
		if err != nil {
			return err
		}
		p.registry, p.secrets, p.controller = reg, secrets, ctl
	} else {
		// Another manager may have led since; pick up what it wrote
		if err := p.secrets.Reload(); err != nil {
			return fmt.Errorf("failed to reload secrets: %w", err)
		}
		if err := p.registry.Load(); err != nil {
			return fmt.Errorf("failed to reload registry: %w", err)
		}
	}

	if err := p.controller.Start(ctx); err != nil {
		return err
	}
	p.api.SetController(p.controller)
	metrics.SetComponent(metrics.ComponentReconciler, true, "")
	p.logger.Info().Msg("Controller started")
	return nil
}

func (p *controlPlane) follow() {
	p.api.SetController(nil)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.controller != nil {
		p.controller.Stop()
	}
	metrics.SetComponent(metrics.ComponentReconciler, true, "follower")
}

// Snapshot implements metrics.MembershipSource
func (p *controlPlane) Snapshot() registry.Snapshot {
	p.mu.Lock()
	reg := p.registry
	p.mu.Unlock()
	if reg == nil {
		return registry.NewSnapshot(nil)
	}
	return reg.Snapshot()
}

// Generations implements metrics.SecretSource
func (p *controlPlane) Generations() []types.ClusterSecret {
	p.mu.Lock()
	secrets := p.secrets
	p.mu.Unlock()
	if secrets == nil {
		return nil
	}
	return secrets.Generations()
}
