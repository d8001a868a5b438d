// Package blobstore implements the Blob Store (C8): content-addressed
// storage with a local-disk or S3 Backend, reference-counted expiry, and
// garbage collection, per spec §4.8.
package blobstore
