// Package updater discovers firmware builds in the local AppleDB clone and
// downloads their FCS keys through the external ipsw tool.
//
// A run makes two passes: one merging bulk JSON key documents into the
// aggregated archive, one storing individual PEM key files. Each (OS, pass)
// pair keeps its own retry ledger, so a build is tried at most once per run
// and written off after the configured number of failed runs. Download
// failures are absorbed and retried later; storage and ledger failures stop
// the run.
package updater
