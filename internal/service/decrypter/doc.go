// Package decrypter turns an encrypted IPSW into decrypted disk images by
// feeding stored FCS keys to the external ipsw tool.
//
// The firmware's OS and build are read from its build manifest unless
// overridden. Keys come from an explicit database, the build's stored key
// files, or the aggregated archive, in that order; an unidentifiable
// firmware just skips the stored files, the only source that needs the
// identity.
package decrypter
