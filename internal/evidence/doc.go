// Package evidence collects static signs of custom certificate validation and merges
// them with the dynamic verdict into a single reportable record.
package evidence
