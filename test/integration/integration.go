// Package integration is a helper for running integration tests.
//
// Tests that need external services call Skip first; they only run when the
// package is built with the "integration" tag:
//
//	go test -tags integration ./...
//
// Database-backed tests additionally call NewDB, which hands out a
// throwaway database on the server named by SALVE_TEST_DSN.
package integration

import (
	"testing"
)

// Skip will skip the current test or benchmark if this package was built without
// the "integration" build tag.
//
// This should be used as an annotation at the top of the function, like
// (*testing.T).Parallel().
func Skip(t testing.TB) {
	if skip {
		t.Skip("skipping integration test: integration tag not provided")
	}
}
