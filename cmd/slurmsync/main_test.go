package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/slurmsync/pkg/config"
	"github.com/cuemby/slurmsync/pkg/reconciler"
	"github.com/cuemby/slurmsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestManagerConfigFlags(t *testing.T) {
	t.Setenv(config.EnvConfig, "")
	dir := t.TempDir()

	require.NoError(t, managerCmd.ParseFlags(nil))
	_, err := managerConfig(managerCmd)
	assert.ErrorContains(t, err, "node_id is required")

	require.NoError(t, managerCmd.ParseFlags([]string{"--node-id", "m2", "--join", "10.0.0.1:6831"}))
	_, err = managerConfig(managerCmd)
	assert.ErrorContains(t, err, "--token is required")

	require.NoError(t, managerCmd.ParseFlags([]string{
		"--token", "abc",
		"--data-dir", dir,
		"--raft-addr", "10.0.0.2:7946",
		"--api-addr", "10.0.0.2:6831",
		"--http-addr", "10.0.0.2:6832",
		"--log-level", "debug",
	}))
	cfg, err := managerConfig(managerCmd)
	require.NoError(t, err)
	assert.Equal(t, "m2", cfg.NodeID)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "10.0.0.2:7946", cfg.Manager.RaftAddr)
	assert.Equal(t, "10.0.0.2:6831", cfg.Manager.APIAddr)
	assert.Equal(t, "10.0.0.2:6832", cfg.Manager.HTTPAddr)
	assert.Equal(t, "10.0.0.1:6831", cfg.Manager.Join)
	assert.Equal(t, "abc", cfg.Manager.Token)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched settings keep their defaults
	assert.Equal(t, config.Default().Manager.SealKeyFile, cfg.Manager.SealKeyFile)
}

func TestPrintStatus(t *testing.T) {
	st := &reconciler.Status{
		Running:     true,
		Converged:   true,
		Version:     4,
		Generation:  2,
		Digest:      "ab12",
		Controller:  "ctl-1",
		Generations: []uint64{1, 2},
		Members: []reconciler.MemberStatus{
			{NodeID: "ctl-1", Role: types.RoleController, State: types.MemberStateActive, Authoritative: true, Ready: true, AppliedVersion: 4, AppliedGeneration: 2},
			{NodeID: "n1", Role: types.RoleCompute, State: types.MemberStateActive, AppliedVersion: 3, AppliedGeneration: 2,
				Task: types.TaskStateFailed, Attempts: 2, LastHeartbeat: time.Now().Add(-5 * time.Second)},
		},
	}

	var out bytes.Buffer
	printStatus(&out, st)
	text := out.String()
	assert.Contains(t, text, "State:       converged")
	assert.Contains(t, text, "Controller:  ctl-1")
	assert.Contains(t, text, "Generations: 1, 2")
	assert.Contains(t, text, "ctl-1 *")
	assert.Contains(t, text, "v3/g2")
	assert.Contains(t, text, "failed (2)")
	assert.Contains(t, text, "never")

	out.Reset()
	st.Halted, st.HaltReason = true, "no authoritative controller"
	printStatus(&out, st)
	assert.Contains(t, out.String(), "halted: no authoritative controller")
}

func TestPrintStructured(t *testing.T) {
	st := &reconciler.Status{Running: true, Version: 7}

	var out bytes.Buffer
	require.NoError(t, printStructured(&out, "yaml", st))
	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, 7, decoded["version"])

	out.Reset()
	require.NoError(t, printStructured(&out, "json", st))
	assert.Contains(t, out.String(), `"version": 7`)

	assert.Error(t, printStructured(&out, "xml", st))
}

func TestOpenSealer(t *testing.T) {
	cfg := config.Default()
	cfg.Manager.SealKeyFile = filepath.Join(t.TempDir(), "seal.key")

	t.Setenv(config.EnvSealPassphrase, "shared")
	fromPassphrase, err := openSealer(cfg)
	require.NoError(t, err)
	_, err = os.Stat(cfg.Manager.SealKeyFile)
	assert.True(t, os.IsNotExist(err), "passphrase must not create a key file")

	sealed, err := fromPassphrase.Seal(1, []byte("key"))
	require.NoError(t, err)

	t.Setenv(config.EnvSealPassphrase, "")
	fromFile, err := openSealer(cfg)
	require.NoError(t, err)
	assert.FileExists(t, cfg.Manager.SealKeyFile)
	_, err = fromFile.Open(1, sealed)
	assert.Error(t, err)
}
