package testutil

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// IsIdentical fails the test with a diff when x and y differ.
func IsIdentical(t *testing.T, x interface{}, y interface{}, opts ...cmp.Option) {
	t.Helper()
	diff := cmp.Diff(x, y, opts...)
	if diff != "" {
		t.Fatalf("unexpected diff (-got +want):\n%s", diff)
	}
}
