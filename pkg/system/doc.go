// Package system wires the eight core components into one CoreSystem and
// runs the background Sweeper that sweeps expired requests, expired cache
// entries, and garbage-collectible blobs, per Design Notes §9 ("model the
// core as a single struct holding component-implementation interfaces").
package system
