package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/twoperson/slb/internal/daemon"
)

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil is success", nil, 0},
		{"daemon unreachable maps to 3", fmt.Errorf("wrap: %w", daemon.ErrDaemonUnreachable), 3},
		{"cobra unknown command is a usage error", errors.New(`unknown command "frob" for "slb"`), 2},
		{"cobra unknown flag is a usage error", errors.New(`unknown flag: --bogus`), 2},
		{"cobra arity error is a usage error", errors.New(`accepts 1 arg(s), received 0`), 2},
		{"everything else is a plain denial/failure", errors.New("request rejected"), 1},
		{"ack mismatch is a plain failure, not a usage error", ErrAckMismatch, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExitCodeFor(tc.err); got != tc.want {
				t.Errorf("ExitCodeFor(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}
