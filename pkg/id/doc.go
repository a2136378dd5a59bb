// Package id generates lexicographically sortable message identifiers.
// An ID embeds its creation time, so ordering by ID is ordering by enqueue
// time within a process.
package id
