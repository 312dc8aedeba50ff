// Package ipsw wraps the external ipsw binary behind a narrow capability
// interface.
//
// The tool does the heavy lifting of talking to Apple's servers and
// decrypting firmware contents; this package only shapes invocations and
// parses what the tool leaves on disk. Keeping the surface an interface
// lets the services run against a double in tests.
package ipsw
