// Command settle runs the DAO economic settlement engine.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"

	"github.com/roach88/settle/internal/cli"
)

func main() {
	// A .env file in the working directory supplies SETTLE_* defaults;
	// variables already set in the environment take precedence.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "settle: reading .env: %v\n", err)
		os.Exit(cli.ExitCommandError)
	}

	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		if !cli.IsReported(err) {
			fmt.Fprintf(os.Stderr, "settle: %v\n", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
