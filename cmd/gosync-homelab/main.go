// Package main is the entry point for gosync-homelab.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fgeck/gosync-homelab/internal/models"
)

func main() {
	os.Exit(exitCode(Execute(), os.Stderr))
}

// exitCode maps a run error to the process exit status. RunErrors have
// already been reported; anything else is printed here, once.
func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}

	var runErr *models.RunError
	if errors.As(err, &runErr) {
		return runErr.ExitCode()
	}

	_, _ = fmt.Fprintln(stderr, "Error:", err)
	return 1
}
