// Package onvmnf implements the NF-side library: the CLI surface an NF
// binary parses before attaching to the manager, and the exit-code
// contract rejected NFs report through. A bare pflag.FlagSet, not a cobra
// command tree — an NF is a single flag surface following "--" the way
// EAL-style argument splitting works, not a multi-command CLI app.
package onvmnf

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"
)

// ExitIDConflict and ExitNoIDs are distinguished so a supervisor can tell
// "another instance already owns this id" apart from "the manager is full"
// without parsing stderr.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitIDConflict = 5
	ExitNoIDs      = 6
)

// ErrReservedService is returned by ParseArgs when -r 0 is given; service
// id 0 is reserved.
var ErrReservedService = errors.New("onvmnf: service id 0 is reserved")

// Options is the parsed NF CLI surface: `-n <instance_id> -r <service_id>
// [-- nf-specific args...]`.
type Options struct {
	// InstanceID is the NF's requested instance id; 0 means "let the
	// manager assign one".
	InstanceID uint16
	// ServiceID must be nonzero.
	ServiceID uint16
	// Extra holds any arguments following a literal "--", passed through
	// untouched for NF-specific use.
	Extra []string
}

// ParseArgs parses args as the NF CLI surface. A literal "--" separates
// onvmnf's own flags from NF-specific arguments, which are returned
// verbatim in Options.Extra without further interpretation.
func ParseArgs(args []string) (*Options, error) {
	own, extra := splitAtDoubleDash(args)

	fs := pflag.NewFlagSet("onvmnf", pflag.ContinueOnError)
	instanceID := fs.Uint16P("instance", "n", 0, "requested instance id (0 = auto-assign)")
	serviceID := fs.Uint16P("service", "r", 0, "service id this NF provides (required, nonzero)")
	if err := fs.Parse(own); err != nil {
		return nil, fmt.Errorf("onvmnf: %w", err)
	}

	if *serviceID == 0 {
		return nil, ErrReservedService
	}

	return &Options{InstanceID: *instanceID, ServiceID: *serviceID, Extra: extra}, nil
}

func splitAtDoubleDash(args []string) (own, extra []string) {
	for i, a := range args {
		if a == "--" {
			return args[:i], args[i+1:]
		}
	}
	return args, nil
}

// ExitCode maps a rejection status name (as returned by the manager's
// admission RPC, see internal/control) to the NF's process exit code.
// Unknown/empty names map to ExitOK so a successfully-running NF is never
// mistakenly failed.
func ExitCode(status string) int {
	switch status {
	case "id_conflict":
		return ExitIDConflict
	case "no_ids":
		return ExitNoIDs
	case "":
		return ExitOK
	default:
		return ExitOK
	}
}
