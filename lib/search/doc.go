// Package search implements paginated predicate searches and group key
// operations over the regions of a node.
//
// Every search runs against a snapshot taken right after the region's log was
// flushed, so it observes exactly the writes committed before it started, in
// the same order on every page.
package search
