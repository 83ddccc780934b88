// Package id generates 128-bit, lexicographically sortable message
// identifiers: 8 bytes of millisecond timestamp followed by 8 bytes of
// per-process sequence. IDs produced by one Generator are strictly
// monotonic, which queue backends rely on for stable ordering of records
// created within the same millisecond.
package id
