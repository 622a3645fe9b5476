// Package history is the delta storage engine: it keeps one canonical
// fragment history per (target key, fragment kind) as a full base snapshot
// plus reverse deltas, and reconstructs any earlier version on demand.
package history
