// Package store defines the checkpoint persistence contract for graph runs:
// the Checkpoint value type, the CheckpointStore SPI keyed by opaque thread
// ids, and the codec registry that gives persisted state values a typed
// round trip.
//
// Backends live in subpackages: memory (process-lifetime), file (one file
// per thread with numbered backups on release), sqlite and postgres (one row
// per thread holding the serialized history) and redis.
package store
