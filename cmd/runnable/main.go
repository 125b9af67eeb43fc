// runnable compiles and runs sandboxed templates from the command line.
//
//	runnable check <file>
//	runnable run --template f.js --queries q.json [--stream] [--config c.yaml] [--db dsn]
//	runnable serve-template --db dsn --id ID --file f.js
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

// exitError carries a process exit code through run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return &exitError{code: 2, err: errors.New("missing command")}
	}
	switch args[0] {
	case "check":
		return checkCmd(args[1:])
	case "run":
		return runCmd(args[1:])
	case "serve-template":
		return serveTemplateCmd(args[1:])
	case "help", "-h", "--help":
		printUsage()
		return nil
	}
	printUsage()
	return &exitError{code: 2, err: fmt.Errorf("unknown command %q", args[0])}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage:
  runnable check <file>
  runnable run --template f.js --queries q.json [--stream] [--config c.yaml] [--db dsn]
  runnable serve-template --db dsn --id ID --file f.js

Build with -tags v8 to run templates on V8 instead of QuickJS.
`)
}

func parse(fs *pflag.FlagSet, args []string) error {
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return err
		}
		return &exitError{code: 2, err: err}
	}
	return nil
}
