/*
Package storage provides BoltDB-backed persistence for slurmsync cluster state.

The BoltStore keeps everything that must survive a process restart in a single
file, <dataDir>/slurmsync.db, split into three buckets:

	members   member ID            -> JSON types.Member
	secrets   generation (8B BE)   -> JSON SecretRecord (sealed key)
	configs   version (8B BE)      -> JSON types.ClusterConfig

Integer keys are big-endian so bucket iteration order is numeric order; the
latest published configuration is the last key of the configs bucket and the
oldest retained secret generation is the first key of the secrets bucket.

Published configurations are immutable: PutConfig is idempotent for identical
content and refuses to overwrite a version with different content.

Secret key material never reaches this package in the clear. The secretstore
package seals keys before calling PutSecret.

Writes go through the Store interface so the manager package can route them
through Raft while reads stay local:

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()
*/
package storage
