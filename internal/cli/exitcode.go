package cli

import (
	"errors"
	"strings"

	"github.com/twoperson/slb/internal/daemon"
)

// ExitCodeFor maps a command error to the process exit code documented in
// spec.md §6: 0 success/allowed, 1 denied/rejected/timeout/verification
// failure, 2 usage error, 3 daemon unreachable for strictly-daemon
// operations.
func ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, daemon.ErrDaemonUnreachable) {
		return 3
	}
	if isUsageError(err) {
		return 2
	}
	return 1
}

// isUsageError recognizes cobra's own argument/flag validation failures,
// which never carry a sentinel error type.
func isUsageError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{
		"unknown command",
		"unknown flag",
		"unknown shorthand flag",
		"requires at least",
		"accepts at most",
		"accepts 1 arg",
		"invalid argument",
		"flag needs an argument",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
