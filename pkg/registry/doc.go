// Package registry implements the Module Registry (C1): register, get,
// delete, and list AnalysisModuleTypes, with the idempotent-upsert and
// cascading-delete semantics of spec §4.1.
package registry
