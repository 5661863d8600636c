package cmd

import "fmt"

// RunNotFoundError indicates that no results exist for a run ID.
type RunNotFoundError struct {
	ID string
}

func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("no results found for run %s", e.ID)
}

// AuthorityMissingError signals that the interception CA could not be loaded.
type AuthorityMissingError struct {
	Dir string
	Err error
}

func (e *AuthorityMissingError) Error() string {
	return fmt.Sprintf("no usable CA in %s (expected ca.crt and ca.key): %v", e.Dir, e.Err)
}

func (e *AuthorityMissingError) Unwrap() error { return e.Err }
