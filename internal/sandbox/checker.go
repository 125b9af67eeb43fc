package sandbox

import (
	"fmt"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"

	"github.com/cryguy/runnable/internal/core"
)

const denyImportsPlugin = "deny-imports"

// denyImports fails every module resolution. Templates are self-contained;
// any import, static, dynamic or via require, is a security violation.
var denyImports = esbuild.Plugin{
	Name: denyImportsPlugin,
	Setup: func(build esbuild.PluginBuild) {
		build.OnResolve(esbuild.OnResolveOptions{Filter: ".*"},
			func(args esbuild.OnResolveArgs) (esbuild.OnResolveResult, error) {
				if args.Kind == esbuild.ResolveEntryPoint {
					return esbuild.OnResolveResult{}, nil
				}
				return esbuild.OnResolveResult{}, fmt.Errorf("import of %q is not permitted", args.Path)
			})
	},
}

// Check parses source with esbuild and rejects syntax errors, imports and
// with-statements before any interpreter is created. A source that passes
// parses as a complete program on its own, so it cannot break out of the
// function WrapSource places it in.
func Check(source string) error {
	result := esbuild.Build(esbuild.BuildOptions{
		Stdin: &esbuild.StdinOptions{
			Contents:   source,
			Sourcefile: "template.js",
			Loader:     esbuild.LoaderJS,
		},
		Bundle:      true,
		Write:       false,
		Format:      esbuild.FormatESModule,
		Platform:    esbuild.PlatformNeutral,
		Target:      esbuild.ES2020,
		TreeShaking: esbuild.TreeShakingFalse,
		LogLevel:    esbuild.LogLevelSilent,
		Supported:   map[string]bool{"dynamic-import": false},
		Plugins:     []esbuild.Plugin{denyImports},
	})

	if len(result.Errors) > 0 {
		return compileErrorFrom(result.Errors[0])
	}
	for _, w := range result.Warnings {
		if strings.Contains(w.Text, "will not be bundled") {
			ce := compileErrorFrom(w)
			ce.Msg = "non-literal imports are not permitted"
			ce.Cause = core.ErrSecurityViolation
			return ce
		}
	}
	if len(result.OutputFiles) == 0 {
		return &core.CompileError{Msg: "syntax check produced no output"}
	}

	// esbuild lowers leftover require/import calls through these helpers.
	for _, line := range strings.Split(string(result.OutputFiles[0].Contents), "\n") {
		if strings.HasPrefix(line, "var __require") || strings.HasPrefix(line, "var __toESM") {
			return &core.CompileError{Msg: "imports are not permitted", Cause: core.ErrSecurityViolation}
		}
	}
	return nil
}

func compileErrorFrom(m esbuild.Message) *core.CompileError {
	ce := &core.CompileError{Msg: m.Text}
	if m.Location != nil {
		ce.Line = m.Location.Line
		ce.Column = m.Location.Column + 1
		ce.LineText = m.Location.LineText
	}
	if m.PluginName == denyImportsPlugin {
		ce.Cause = core.ErrSecurityViolation
	}
	return ce
}
