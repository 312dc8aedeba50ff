// Package atomicfile replaces whole files on disk without ever exposing a
// half-written document.
//
// Content goes through go-update with a SHA-512 checksum of the new bytes,
// so a torn write surfaces as an error instead of silently corrupted state.
// The retry ledgers and the aggregated key archive are rewritten through it
// after every recorded attempt.
package atomicfile
