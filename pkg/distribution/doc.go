/*
Package distribution delivers configuration bundles and role transitions to
cluster members.

Channel is the transport seam. GRPCChannel is the production implementation:
a unary gRPC method whose messages are plain Go structs encoded with a
registered CBOR codec, so no generated code is involved. Agents expose the
other end with RegisterServer.

Guard wraps any Channel and enforces per-member ordering:

  - pushes to one member run one at a time
  - a target the member already acknowledged is answered locally
  - a target older than the acknowledged one fails with ErrSuperseded
  - every other failure is a *types.DistributionFailure, which the
    reconciler retries with backoff

Demote payloads are control messages and bypass the ordering rules.
*/
package distribution
