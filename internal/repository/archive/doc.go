// Package archive maintains the aggregated key document shared by every
// build: a single JSON mapping from content hash to base64-encoded key.
//
// Merges have union semantics and the document is rewritten sorted and
// indented through the atomic writer, so concurrent readers (and git diffs)
// always see a complete, stable file. A hash that reappears with different
// content aborts the merge with ErrHashMismatch.
package archive
