// Package config defines the settings used by the fcs-vault binaries and
// provides helpers to load, validate and save them in YAML format.
//
// The Config type holds the AppleDB clone location, the artifact paths and
// the download policy (covered OSes, attempt ceiling, tool invocation limits).
package config
