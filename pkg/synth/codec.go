package synth

import (
	"fmt"

	"github.com/cuemby/slurmsync/pkg/types"
	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): the same logical
// config always produces identical bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("synth: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("synth: CBOR decoder initialization failed: " + err.Error())
	}
}

// normalized returns a copy with nil collections replaced by empty ones, so a
// config that went through a JSON or YAML round trip encodes identically.
func normalized(cfg *types.ClusterConfig) types.ClusterConfig {
	c := *cfg
	c.Digest = nil
	if c.Nodes == nil {
		c.Nodes = []types.NodeEntry{}
	}
	nodes := make([]types.NodeEntry, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.Gres == nil {
			n.Gres = []string{}
		}
		nodes[i] = n
	}
	c.Nodes = nodes
	partitions := make([]types.Partition, len(c.Partitions))
	for i, p := range c.Partitions {
		if p.Nodes == nil {
			p.Nodes = []string{}
		}
		partitions[i] = p
	}
	c.Partitions = partitions
	if c.LoginNodes == nil {
		c.LoginNodes = []string{}
	}
	if c.Parameters == nil {
		c.Parameters = map[string]string{}
	}
	return c
}

// Encode returns the canonical CBOR encoding of cfg, version included. This
// is the byte form distributed to members.
func Encode(cfg *types.ClusterConfig) ([]byte, error) {
	c := normalized(cfg)
	data, err := encMode.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return data, nil
}

// Decode parses a canonical encoding and recomputes its digest
func Decode(data []byte) (*types.ClusterConfig, error) {
	var cfg types.ClusterConfig
	if err := decMode.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	digest, err := Digest(&cfg)
	if err != nil {
		return nil, err
	}
	cfg.Digest = digest
	return &cfg, nil
}

// content is the canonical encoding with the version zeroed
func content(cfg *types.ClusterConfig) ([]byte, error) {
	c := normalized(cfg)
	c.Version = 0
	data, err := encMode.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config content: %w", err)
	}
	return data, nil
}

// Digest is the blake3-256 hash of the config content, version excluded.
// Two configs with equal digests describe the same cluster.
func Digest(cfg *types.ClusterConfig) ([]byte, error) {
	data, err := content(cfg)
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(data)
	return sum[:], nil
}
