// Package sinks holds the concrete progress consumers: the store sink folds
// task events into per-stage series counts, the prometheus sink exports
// task/chain/series counters, and the log sink mirrors batches to zap.
package sinks
