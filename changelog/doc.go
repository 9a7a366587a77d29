// Package changelog defines the vocabulary shared by every stage of the relay:
// shards of a partitioned change log, raw mutation records, read positions and
// the domain change events handed to the bus.
//
// # Sources
//
// An upstream log is reached through the Source interface. Implementations
// translate their native topology, iterator and record types into the types of
// this package and map their failures onto the sentinel errors below:
//
//   - ErrTopologyUnavailable: the log resource cannot be reached (transient)
//   - ErrIteratorExpired: a position token aged out and must be reacquired
//   - ErrShardClosed: every record of a closed shard has been returned
//
// # Ordering
//
// Sequence numbers are decimal strings that grow monotonically within a shard.
// They can exceed 64 bits, so they are compared with CompareSequence rather than
// parsed into integers.
//
// # Images
//
// Record images are schema-agnostic: an Image maps attribute names to tagged
// Values. Plain converts an image into ordinary Go values suitable for JSON.
package changelog
