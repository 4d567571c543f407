// Package conformance provides conformance tests for the discovery API.
package conformance

import (
	"testing"
)

// TestConformance runs the full conformance test suite.
func TestConformance(t *testing.T) {
	harness := NewHarness(Config{})
	defer harness.Close()

	t.Run("Conformance", func(t *testing.T) {
		harness.RunConformanceTests(t)
	})
}
