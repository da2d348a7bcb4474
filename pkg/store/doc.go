// Package store holds the versioned record array, cluster membership and
// GTID that make up a node's committed state, serialized by one mutex.
//
//	┌────────────────────── STORE ──────────────────────┐
//	│  records[0..N)   { version, value }                │
//	│  members[]       uuid, ordered                     │
//	│  gtid            (uuid, seqno)                     │
//	│  caps            snapshot-read-view capability bit │
//	└─────────────────────────────────────────────────────┘
//
// A Handle carries the transaction context (read view + accumulated
// operations) for exactly one in-flight transaction; it is owned by
// whichever worker currently holds it. Commit and Rollback release it.
//
// AcquireState/ReleaseState/InitState implement the SST snapshot
// lifecycle (see snapshot.go for the wire format); WriteSetPayload and
// Apply implement the write-set wire format (see writeset.go).
package store
