package distribution

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/slurmsync/pkg/synth"
	"github.com/cuemby/slurmsync/pkg/types"
)

// Kind is the purpose of a push
type Kind string

const (
	// KindConfig delivers a config bundle to an ordinary member
	KindConfig Kind = "config"
	// KindDemote revokes controller authority. It carries no bundle.
	KindDemote Kind = "demote"
	// KindActivate delivers the first bundle naming the receiver as the
	// authoritative controller
	KindActivate Kind = "activate"
)

// ErrSuperseded is returned for a push whose target is older than one the
// member already acknowledged
var ErrSuperseded = errors.New("target superseded")

// Bundle is the unit of distribution: a canonical config encoding and the
// secret generation it references
type Bundle struct {
	Version    uint64 `cbor:"1,keyasint" json:"version"`
	Generation uint64 `cbor:"2,keyasint" json:"generation"`
	Config     []byte `cbor:"3,keyasint" json:"config"`
	Secret     []byte `cbor:"4,keyasint" json:"-"`
	Digest     []byte `cbor:"5,keyasint" json:"digest"`
	JWTKey     []byte `cbor:"6,keyasint,omitempty" json:"-"`
}

// NewBundle encodes cfg together with the secret generation it references
func NewBundle(cfg *types.ClusterConfig, secret types.ClusterSecret) (Bundle, error) {
	if cfg.SecretGeneration != secret.Generation {
		return Bundle{}, fmt.Errorf("config v%d references secret generation %d, got %d",
			cfg.Version, cfg.SecretGeneration, secret.Generation)
	}
	data, err := synth.Encode(cfg)
	if err != nil {
		return Bundle{}, err
	}
	digest := cfg.Digest
	if len(digest) == 0 {
		if digest, err = synth.Digest(cfg); err != nil {
			return Bundle{}, err
		}
	}
	return Bundle{
		Version:    cfg.Version,
		Generation: secret.Generation,
		Config:     data,
		Secret:     append([]byte(nil), secret.Key...),
		Digest:     append([]byte(nil), digest...),
		JWTKey:     append([]byte(nil), secret.JWTKey...),
	}, nil
}

// ForRole returns the bundle a member of role receives. The JWT signing key
// only goes to slurmctld and slurmdbd hosts.
func (b Bundle) ForRole(role types.Role) Bundle {
	switch role {
	case types.RoleController, types.RoleDatabase:
		return b
	}
	b.JWTKey = nil
	return b
}

// Target returns the (version, generation) pair the bundle carries
func (b Bundle) Target() types.Target {
	return types.Target{Version: b.Version, Generation: b.Generation}
}

// Payload is one push to one member
type Payload struct {
	Kind   Kind   `cbor:"1,keyasint" json:"kind"`
	Bundle Bundle `cbor:"2,keyasint" json:"bundle"`
}

// Target returns the target carried by the payload's bundle
func (p Payload) Target() types.Target {
	return p.Bundle.Target()
}

// Ack is a member's acknowledgement of a push
type Ack struct {
	NodeID     string `cbor:"1,keyasint" json:"node_id"`
	Kind       Kind   `cbor:"2,keyasint" json:"kind"`
	Version    uint64 `cbor:"3,keyasint" json:"version"`
	Generation uint64 `cbor:"4,keyasint" json:"generation"`
}

// Target returns the acknowledged target
func (a Ack) Target() types.Target {
	return types.Target{Version: a.Version, Generation: a.Generation}
}

// Channel delivers payloads to members. Implementations must be safe for
// concurrent use across members.
type Channel interface {
	Push(ctx context.Context, member types.Member, p Payload) (Ack, error)
}

// ChannelFunc adapts a function to Channel
type ChannelFunc func(ctx context.Context, member types.Member, p Payload) (Ack, error)

// Push calls f
func (f ChannelFunc) Push(ctx context.Context, member types.Member, p Payload) (Ack, error) {
	return f(ctx, member, p)
}
