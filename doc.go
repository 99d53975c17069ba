// Package physicaltwin binds a physical robotic arm to the data lake that
// records its digital twin.
//
// The device is reached through a line-oriented Channel (a serial port in
// production, see the device package). The data lake is reached through an
// EventStore; this module ships three of them: neo4jstore (a graph), redisstore
// (sorted sets and hashes) and memstore (in-memory, for tests).
//
// An Engine runs two concurrent loops for a single Twin:
//
//   - The dispatcher polls the store for the oldest pending Command addressed
//     to the twin, writes it to the device and marks it as dispatched. It never
//     sends a second command before the device has answered the first.
//
//   - The ingestor reads lines from the device. State snapshots ("OUT ...")
//     advance the logical clock and are recorded as OutputSnapshot events;
//     results ("RET ...") are recorded as CommandResult events for the command
//     in flight, which frees the dispatcher.
//
// Every recorded event is attached to a node of the store's timeline: a chain
// of distinct timestamps linked in strictly increasing order, which lets
// consumers query the twin's history chronologically. See Timeline for the
// in-memory rendition of that chain.
package physicaltwin
