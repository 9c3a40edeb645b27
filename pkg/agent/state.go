package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/slurmsync/pkg/types"
)

// Files of one applied bundle
const (
	ConfigFile = "cluster.cbor"
	KeyFile    = "auth.key"
	JWTKeyFile = "jwt_hs256.key"
	StateFile  = "state.json"
)

// Layout of the state directory. Every bundle is staged in its own
// directory under BundlesDir and published by swapping the CurrentLink
// symlink, so readers see either the previous bundle or the new one.
const (
	BundlesDir  = "bundles"
	CurrentLink = "current"

	stagingPrefix = ".staging-"
)

// CurrentPath returns the path of a file in the applied bundle
func CurrentPath(dir, name string) string {
	return filepath.Join(dir, CurrentLink, name)
}

// bundleDirName names the directory holding target's files
func bundleDirName(t types.Target) string {
	return fmt.Sprintf("v%d-g%d", t.Version, t.Generation)
}

// State is what the agent has applied. It lives inside the bundle
// directory, so it changes together with the files it describes.
type State struct {
	NodeID        string    `json:"node_id"`
	Version       uint64    `json:"version"`
	Generation    uint64    `json:"generation"`
	Authoritative bool      `json:"authoritative,omitempty"`
	Digest        string    `json:"digest,omitempty"`
	AppliedAt     time.Time `json:"applied_at,omitempty"`
}

// Target returns the applied (version, generation) pair
func (s State) Target() types.Target {
	return types.Target{Version: s.Version, Generation: s.Generation}
}

// Applied reports whether any bundle was applied
func (s State) Applied() bool {
	return s.Version > 0
}

// loadState reads the applied bundle's state.json; no bundle is an empty state
func loadState(dir string) (State, error) {
	var st State
	data, err := os.ReadFile(CurrentPath(dir, StateFile))
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("failed to read state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("failed to parse state: %w", err)
	}
	return st, nil
}

func encodeState(st State) ([]byte, error) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return data, nil
}

// swapCurrent points the current symlink at target, relative to dir
func swapCurrent(dir, target string) error {
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", CurrentLink, time.Now().UnixNano()))
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("failed to link %s: %w", target, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, CurrentLink)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to publish %s: %w", target, err)
	}
	syncDir(dir)
	return nil
}

// pruneBundles removes bundle directories other than keep, including
// staging directories left behind by a crash
func pruneBundles(dir string, keep ...string) error {
	root := filepath.Join(dir, BundlesDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}

	kept := make(map[string]bool, len(keep))
	for _, name := range keep {
		kept[name] = true
	}
	var errs []error
	for _, e := range entries {
		if kept[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to set permissions on %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}

	syncDir(dir)
	return nil
}
