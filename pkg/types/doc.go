/*
Package types defines the core data structures shared by every component:
analysis module types, observables, analyses, root analyses, analysis
requests, cache entries, content metadata, and API keys.

These are the structs persisted by pkg/registry, pkg/rootstore, pkg/cache,
pkg/tracker, and pkg/blobstore, and passed between them, pkg/workqueue
(which holds only request IDs, in memory), and pkg/processor. None of them carry persistence or transport logic — JSON
encoding lives in the store packages, not here.

# Identity

An Observable's identity for caching purposes is its (Type, Value) pair,
not its UUID — two Observables with the same (Type, Value) in different
roots are expected to share cache entries and in-flight request links. A
RootAnalysis's Version is an opaque token minted by pkg/rootstore on every
successful update_root; callers never construct or compare it directly.
*/
package types
