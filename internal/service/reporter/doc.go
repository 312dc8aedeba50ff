// Package reporter summarizes the artifacts maintained by the updater: the
// outcomes recorded in the retry ledgers, the key files on disk and the size
// of the aggregated archive.
package reporter
