// Package crawl defines the core domain types and contracts shared across
// subsystems: targets and their per-step crawl state, fragments, series and
// stage definitions, task messages, and the interfaces implemented by the
// storage, queue and capability packages.
package crawl
