/*
Package synth derives the canonical cluster configuration from membership.

Synthesize is pure: the same registry snapshot, secret generation and previous
config always produce the same result. The version only advances when the
canonical content changes, so repeated triggers never churn members.

Content is compared through its canonical CBOR encoding (Core Deterministic
Encoding) with the version field excluded; Digest is the blake3 hash of those
bytes and is what members and the status surface use to name a config.
*/
package synth
