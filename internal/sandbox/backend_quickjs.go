//go:build !v8

package sandbox

import (
	"github.com/cryguy/runnable/internal/core"
	"github.com/cryguy/runnable/internal/quickjs"
)

func defaultRuntime(opts core.RuntimeOptions) (core.JSRuntime, error) {
	return quickjs.New(opts)
}
