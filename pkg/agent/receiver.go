package agent

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/slurmsync/pkg/distribution"
	"github.com/cuemby/slurmsync/pkg/log"
	"github.com/cuemby/slurmsync/pkg/metrics"
	"github.com/cuemby/slurmsync/pkg/synth"
	"github.com/cuemby/slurmsync/pkg/types"
	"github.com/rs/zerolog"
)

// Hooks observe what the receiver applied. They run synchronously, after
// the bundle was published, with the receiver locked.
type Hooks interface {
	// OnApply is called after a new config bundle was published
	OnApply(st State, cfg *types.ClusterConfig)
	// OnDemote is called when this node loses controller authority, by a
	// demote push or by a bundle naming another controller
	OnDemote(st State)
	// OnActivate is called when this node becomes the authoritative controller
	OnActivate(st State)
}

// NopHooks implements Hooks with no-ops
type NopHooks struct{}

func (NopHooks) OnApply(State, *types.ClusterConfig) {}
func (NopHooks) OnDemote(State)                      {}
func (NopHooks) OnActivate(State)                    {}

// Receiver applies bundles pushed by the manager to a state directory
type Receiver struct {
	nodeID    string
	dir       string
	hooks     Hooks
	now       func() time.Time
	writeFile func(path string, data []byte, perm os.FileMode) error
	logger    zerolog.Logger

	mu    sync.Mutex
	state State
}

var _ distribution.Receiver = (*Receiver)(nil)

// NewReceiver opens dir, creating it if needed, and resumes from its state file
func NewReceiver(nodeID, dir string, hooks Hooks) (*Receiver, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, BundlesDir), 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	st, err := loadState(dir)
	if err != nil {
		return nil, err
	}
	if st.NodeID != "" && st.NodeID != nodeID {
		return nil, fmt.Errorf("state directory %s belongs to node %s", dir, st.NodeID)
	}
	st.NodeID = nodeID

	if hooks == nil {
		hooks = NopHooks{}
	}

	metrics.SetComponent(metrics.ComponentReceiver, true, "")

	return &Receiver{
		nodeID:    nodeID,
		dir:       dir,
		hooks:     hooks,
		now:       time.Now,
		writeFile: writeFileAtomic,
		logger:    log.WithNodeID(nodeID).With().Str("component", "receiver").Logger(),
		state:     st,
	}, nil
}

// State returns what this node has applied
func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// AppliedVersion returns the applied config version, reported in heartbeats
func (r *Receiver) AppliedVersion() uint64 {
	return r.State().Version
}

// Receive implements distribution.Receiver
func (r *Receiver) Receive(ctx context.Context, nodeID string, p distribution.Payload) (distribution.Ack, error) {
	if nodeID != r.nodeID {
		return distribution.Ack{}, fmt.Errorf("push addressed to %s, this agent is %s", nodeID, r.nodeID)
	}
	if err := ctx.Err(); err != nil {
		return distribution.Ack{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch p.Kind {
	case distribution.KindDemote:
		return r.demote()
	case distribution.KindConfig, distribution.KindActivate:
		return r.apply(p)
	default:
		metrics.BundlesAppliedTotal.WithLabelValues(string(p.Kind), "invalid").Inc()
		return distribution.Ack{}, fmt.Errorf("unknown payload kind %q", p.Kind)
	}
}

func (r *Receiver) ack(kind distribution.Kind) distribution.Ack {
	return distribution.Ack{
		NodeID:     r.nodeID,
		Kind:       kind,
		Version:    r.state.Version,
		Generation: r.state.Generation,
	}
}

func (r *Receiver) demote() (distribution.Ack, error) {
	if !r.state.Authoritative {
		metrics.BundlesAppliedTotal.WithLabelValues(string(distribution.KindDemote), "unchanged").Inc()
		return r.ack(distribution.KindDemote), nil
	}

	next := r.state
	next.Authoritative = false
	if err := r.commit(next); err != nil {
		metrics.BundlesAppliedTotal.WithLabelValues(string(distribution.KindDemote), "failed").Inc()
		return distribution.Ack{}, err
	}

	r.logger.Info().Msg("Controller authority revoked")
	metrics.BundlesAppliedTotal.WithLabelValues(string(distribution.KindDemote), "applied").Inc()
	r.hooks.OnDemote(r.state)
	return r.ack(distribution.KindDemote), nil
}

func (r *Receiver) apply(p distribution.Payload) (distribution.Ack, error) {
	kind := string(p.Kind)
	target := p.Target()
	activate := p.Kind == distribution.KindActivate

	if r.state.Applied() && target.Less(r.state.Target()) {
		metrics.BundlesAppliedTotal.WithLabelValues(kind, "rejected").Inc()
		r.logger.Warn().
			Str("target", target.String()).
			Str("applied", r.state.Target().String()).
			Msg("Refusing bundle older than the applied one")
		return distribution.Ack{}, fmt.Errorf("bundle %s: %w (applied %s)", target, distribution.ErrSuperseded, r.state.Target())
	}

	if r.state.Applied() && target == r.state.Target() {
		if activate && !r.state.Authoritative {
			next := r.state
			next.Authoritative = true
			if err := r.commit(next); err != nil {
				metrics.BundlesAppliedTotal.WithLabelValues(kind, "failed").Inc()
				return distribution.Ack{}, err
			}
			r.logger.Info().Str("target", target.String()).Msg("Controller authority granted")
			r.hooks.OnActivate(r.state)
		}
		metrics.BundlesAppliedTotal.WithLabelValues(kind, "unchanged").Inc()
		return r.ack(p.Kind), nil
	}

	cfg, err := r.verify(p)
	if err != nil {
		metrics.BundlesAppliedTotal.WithLabelValues(kind, "invalid").Inc()
		r.logger.Error().Err(err).Str("target", target.String()).Msg("Rejected invalid bundle")
		return distribution.Ack{}, err
	}

	// Authority follows the bundle: a config naming another controller
	// revokes it even when the demote push never arrived. Only activation
	// grants it.
	wasAuthoritative := r.state.Authoritative
	named := cfg.Controller.NodeID == r.nodeID
	next := State{
		NodeID:        r.nodeID,
		Version:       target.Version,
		Generation:    target.Generation,
		Authoritative: named && (activate || wasAuthoritative),
		Digest:        hex.EncodeToString(p.Bundle.Digest),
		AppliedAt:     r.now(),
	}
	if err := r.install(p.Bundle, next); err != nil {
		return r.writeFailed(kind, err)
	}
	r.state = next

	metrics.BundlesAppliedTotal.WithLabelValues(kind, "applied").Inc()
	metrics.SetComponent(metrics.ComponentReceiver, true, "")
	r.logger.Info().
		Str("target", target.String()).
		Str("kind", kind).
		Int("nodes", len(cfg.Nodes)).
		Msg("Applied config bundle")

	r.hooks.OnApply(r.state, cfg)
	switch {
	case next.Authoritative && !wasAuthoritative:
		r.logger.Info().Str("target", target.String()).Msg("Controller authority granted")
		r.hooks.OnActivate(r.state)
	case wasAuthoritative && !next.Authoritative:
		r.logger.Info().
			Str("target", target.String()).
			Str("controller", cfg.Controller.NodeID).
			Msg("Controller authority revoked")
		r.hooks.OnDemote(r.state)
	}
	return r.ack(p.Kind), nil
}

type bundleFile struct {
	name string
	data []byte
	perm os.FileMode
}

// install stages every file of the bundle in a fresh directory, then
// publishes it by swapping the current link. A failure at any step leaves
// the previous bundle in place.
func (r *Receiver) install(b distribution.Bundle, st State) error {
	root := filepath.Join(r.dir, BundlesDir)
	staging, err := os.MkdirTemp(root, stagingPrefix)
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	state, err := encodeState(st)
	if err != nil {
		return err
	}
	files := []bundleFile{
		{ConfigFile, b.Config, 0644},
		{KeyFile, b.Secret, 0600},
	}
	if len(b.JWTKey) > 0 {
		files = append(files, bundleFile{JWTKeyFile, b.JWTKey, 0600})
	}
	for _, f := range files {
		if err := r.writeFile(filepath.Join(staging, f.name), f.data, f.perm); err != nil {
			return err
		}
	}
	if err := r.writeFile(filepath.Join(staging, StateFile), state, 0644); err != nil {
		return err
	}

	name := bundleDirName(st.Target())
	final := filepath.Join(root, name)
	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("failed to clear %s: %w", final, err)
	}
	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("failed to move bundle into place: %w", err)
	}
	syncDir(root)

	if err := swapCurrent(r.dir, filepath.Join(BundlesDir, name)); err != nil {
		return err
	}

	keep := []string{name}
	if r.state.Applied() {
		keep = append(keep, bundleDirName(r.state.Target()))
	}
	if err := pruneBundles(r.dir, keep...); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to prune old bundles")
	}
	return nil
}

// verify decodes the bundle and checks it is internally consistent
func (r *Receiver) verify(p distribution.Payload) (*types.ClusterConfig, error) {
	b := p.Bundle
	if len(b.Secret) == 0 {
		return nil, fmt.Errorf("bundle %s carries no secret", b.Target())
	}

	cfg, err := synth.Decode(b.Config)
	if err != nil {
		return nil, err
	}
	if cfg.Version != b.Version {
		return nil, fmt.Errorf("bundle version %d does not match config version %d", b.Version, cfg.Version)
	}
	if cfg.SecretGeneration != b.Generation {
		return nil, fmt.Errorf("bundle generation %d does not match config generation %d", b.Generation, cfg.SecretGeneration)
	}
	if !bytes.Equal(cfg.Digest, b.Digest) {
		return nil, fmt.Errorf("bundle %s digest mismatch", b.Target())
	}
	if p.Kind == distribution.KindActivate && cfg.Controller.NodeID != r.nodeID {
		return nil, fmt.Errorf("activation bundle names %s as controller", cfg.Controller.NodeID)
	}
	return cfg, nil
}

// commit rewrites the applied bundle's state file, for authority changes
// that keep the same bundle
func (r *Receiver) commit(next State) error {
	data, err := encodeState(next)
	if err != nil {
		return err
	}
	if err := r.writeFile(CurrentPath(r.dir, StateFile), data, 0644); err != nil {
		return err
	}
	r.state = next
	return nil
}

func (r *Receiver) writeFailed(kind string, err error) (distribution.Ack, error) {
	metrics.BundlesAppliedTotal.WithLabelValues(kind, "failed").Inc()
	metrics.SetComponent(metrics.ComponentReceiver, false, err.Error())
	r.logger.Error().Err(err).Msg("Failed to write bundle")
	return distribution.Ack{}, err
}
