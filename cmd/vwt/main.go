// Command vwt runs commands, transfers, log tails and traffic tests across a
// fleet of SSH hosts.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/andrej220/vwt/pkg/executor"
)

func main() {
	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// hostsFailedError reports a run that finished with failed hosts. Its results
// were rendered already.
type hostsFailedError struct {
	Failed, Total int
}

func (e *hostsFailedError) Error() string {
	return fmt.Sprintf("%d of %d failed", e.Failed, e.Total)
}

const (
	exitOK          = 0
	exitHostsFailed = 1
	exitConfig      = 2
	exitError       = 3
)

func exitCode(err error) int {
	var hf *hostsFailedError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &hf):
		return exitHostsFailed
	case errors.Is(err, executor.ErrConfigInvalid):
		return exitConfig
	}
	return exitError
}
