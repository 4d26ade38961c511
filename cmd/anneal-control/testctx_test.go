package main

import (
	"context"
	"testing"
)

// testCtx stands in for t.Context (Go 1.24+): a context cancelled when the
// test finishes.
func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
