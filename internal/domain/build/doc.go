// Package build contains core domain types for firmware build tracking.
//
// It defines Key (the identity of a build within one OS line) and RetryState
// (the download outcome for a build) together with the pure transition rule
// applied after every attempt. RetryState keeps the ledger's legacy JSON
// encoding: a pending state is stored as its attempt count, a resolved state
// as a plain boolean.
package build
