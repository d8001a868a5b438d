// Package rootstore implements the Root & Details Store (C2):
// optimistic-concurrency root persistence plus a sibling details bucket,
// per spec §4.2.
package rootstore
