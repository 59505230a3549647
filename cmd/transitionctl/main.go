// Command transitionctl inspects transition definitions and the stores a
// deployment writes: it validates files, prints action plans, lists the
// transitions available from a state and reads history and async jobs.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"

	"github.com/goliatone/go-transition/engine"
)

// CLI is the kong command model.
type CLI struct {
	LogLevel string `name:"log-level" help:"Log level for diagnostics." default:"warn" enum:"trace,debug,info,warn,error"`
	LogJSON  bool   `name:"log-json" help:"Emit diagnostics as JSON."`

	Validate  ValidateCmd  `cmd:"" help:"Validate a definitions file."`
	Plan      PlanCmd      `cmd:"" help:"Print the resolved action order of a transition."`
	Available AvailableCmd `cmd:"" help:"List transitions available from a state."`
	History   HistoryCmd   `cmd:"" help:"Print the transition history of an entity."`
	Jobs      JobsCmd      `cmd:"" help:"List async transition jobs."`
	Sweep     SweepCmd     `cmd:"" help:"Purge terminal jobs past their retention window."`
}

type app struct {
	out    io.Writer
	logger engine.Logger
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "transitionctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("transitionctl"),
		kong.Description("Inspect transition definitions, history and jobs."),
		kong.Writers(stdout, stderr),
		kong.UsageOnError(),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return kctx.Run(&app{
		out:    stdout,
		logger: newLogger(stderr, cli.LogLevel, cli.LogJSON),
	})
}
