// Command cirkelline runs the conversational assistant core.
//
// Usage:
//
//	cirkelline serve
//	cirkelline migrate
//	cirkelline validate
//	cirkelline schema > config-schema.json
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

// Exit codes for the serve path.
const (
	exitMisconfigured = 1
	exitDatabaseDown  = 2
	exitPortInUse     = 3
	exitInterrupted   = 130
)

// exitError carries a process exit code through kong's Run chain.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitf(code int, format string, args ...any) *exitError {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" default:"1" help:"Start the assistant server."`
	Migrate  MigrateCmd  `cmd:"" help:"Apply database migrations."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration and exit."`
	Schema   SchemaCmd   `cmd:"" help:"Generate JSON Schema for the configuration."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	EnvFile string `short:"e" help:"Path to a .env file." default:".env" type:"path"`
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("cirkelline"),
		kong.Description("Cirkelline - conversational assistant core"),
		kong.UsageOnError(),
	)

	if err := ctx.Run(&cli); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil && ee.code != exitInterrupted {
				fmt.Fprintln(os.Stderr, "cirkelline:", ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "cirkelline:", err)
		os.Exit(exitMisconfigured)
	}
}
