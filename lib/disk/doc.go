// Package disk stores the objects of one region of a hyperspace.
//
// A Disk tiles its region with shards, each shard owning the points below one
// prefix and its own storage engine (see package db). Writes are appended to a
// bounded log and folded into the shards by Flush. A shard that runs out of slots
// or bytes is queued for DoMandatoryIO, which either cleans it in place or splits
// it into the two halves of its prefix.
//
// Snapshots freeze all shards at once and keep them open until released, so
// splits and cleans never disturb a running scan. A RollingSnapshot additionally
// follows the log and therefore sees writes made after it was taken.
//
// On disk a Disk consists of
//
//	<dir>/SHARDS            the list of shards forming the shard map
//	<dir>/shards/<region>/  one engine directory per shard
//	<dir>/log               unflushed writes
package disk
