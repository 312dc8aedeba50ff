// Package keystore manages the per-build key file tree
// (<root>/<OS>/<build>/<hash>.<ext>).
//
// Files are content-addressed: the name is the hash of the bytes, which
// both deduplicates identical key material and keeps re-downloads
// idempotent. Directories appear lazily on the first stored key and the
// store never deletes anything.
package keystore
