//go:build tools

// Package tools pins Go-based code generators (mockgen) as module
// dependencies so `go generate` works on a fresh checkout.
package tools

import (
	_ "go.uber.org/mock/mockgen"
)
