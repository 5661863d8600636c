// Package checker dispatches security checks over a set of targets.
//
// Checkers implement the Checker interface (Check + Name). PinningChecker treats each
// target as an application identifier, collects static evidence, runs a dynamic
// interception session and merges both into a single record. Runner executes a
// checker over many targets with a worker pool and a rate limiter, invoking an
// AuditFunc per target so every run leaves the same evidence trail. Checkers that
// implement Exclusive are run one target at a time.
package checker
