//go:build v8

package sandbox

import (
	"github.com/cryguy/runnable/internal/core"
	"github.com/cryguy/runnable/internal/v8engine"
)

func defaultRuntime(opts core.RuntimeOptions) (core.JSRuntime, error) {
	return v8engine.New(opts)
}
