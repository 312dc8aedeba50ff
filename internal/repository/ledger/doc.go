// Package ledger persists per-build download outcomes between runs.
//
// Each (OS, mode) pair owns one flat JSON document mapping build identifiers
// to either an attempt count (still pending) or a boolean (resolved for
// good). The historical encoding and filenames are kept so existing
// documents stay readable. Every recorded attempt is persisted immediately
// and atomically; an unreadable document is surfaced as ErrCorrupt together
// with a usable empty ledger.
package ledger
