// Package cache implements the Result Cache (C4): cache-key derivation,
// get/put/delete_expired/delete_for_module/size, per spec §4.3, with a
// pluggable bbolt or Redis Backend.
package cache
