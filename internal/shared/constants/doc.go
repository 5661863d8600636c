// Package constants centralizes configuration defaults shared across the CLI.
//
// File permissions, the documented loopback convention of the relay chain, the default
// proxy port and wait window, and the default ignore list live here so cmd/ and
// internal/ reference one value without introducing import cycles.
package constants
