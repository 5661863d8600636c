// Package proxy implements the interception stages used to observe which hosts an
// application tries to reach and which of them it actually talks to once a proxy
// certificate is presented.
//
// A Stage binds one address. In ModeIntercept it is an explicit HTTP proxy that
// terminates TLS after CONNECT with a leaf minted by the Authority. A Relay chains an
// edge stage (ModeRelay, raw CONNECT tunnels) into a transparent upstream stage
// (ModeTransparent, SNI routed) that re-injects decrypted requests through a plain
// HTTP channel. Every stage records attempts and completions into a traffic ledger.
package proxy
