// Package hyperspace contains the data model shared by the disk and the search layer:
// region and entity identifiers, hyperspace hashing, search predicates, the
// configuration interface and the packing of response messages.
//
// Objects live in a space with a fixed number of attributes. Attribute 0 is the key,
// attribute i > 0 is value column i-1. Every subspace hashes a subset of the attributes
// into a 64 bit placement point (a morton interleave of the attribute hashes).
// A region is a prefix of that point space, every disk serves exactly one region.
//
// Searches are hashed into a Coordinate that only specifies the bits of attributes
// constrained by an equality term. Objects whose coordinate does not intersect the
// search coordinate can be skipped without evaluating the predicates.
package hyperspace
