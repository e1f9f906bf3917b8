package pipeline

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reasoning-cli/internal/estimate"
	"github.com/sells-group/reasoning-cli/internal/model"
)

var (
	// ErrInvalidTransition is returned when an operation is not allowed
	// from the instance's current status.
	ErrInvalidTransition = eris.New("pipeline: invalid status transition")
	// ErrAlreadyRunning is returned when an instance is already executing
	// in this process.
	ErrAlreadyRunning = eris.New("pipeline: instance is already running")
	// ErrNotRunning is returned by Cancel for instances without an active run.
	ErrNotRunning = eris.New("pipeline: instance is not running")
	// ErrNotImplemented is returned by Pause and Resume.
	ErrNotImplemented = eris.New("pipeline: not implemented")
	// ErrUnknownCombination is returned when none of the requested ids
	// belong to the instance, and describes BatchResult.Unknown otherwise.
	ErrUnknownCombination = eris.New("pipeline: unknown combination")
)

// PrecheckError is returned when a run is refused before it starts. The
// instance stays Pending and no output is created.
type PrecheckError struct {
	Estimate *estimate.Estimate
	Err      error
}

func (e *PrecheckError) Error() string {
	return "pipeline: precheck failed: " + e.Err.Error()
}

func (e *PrecheckError) Unwrap() error { return e.Err }

func invalidTransition(op string, from model.InstanceStatus) error {
	return eris.Wrap(ErrInvalidTransition, fmt.Sprintf("%s from %s", op, from))
}

func unknownCombinations(ids []string) error {
	return eris.Wrap(ErrUnknownCombination, strings.Join(ids, ", "))
}

// SplitCombinationIDs separates ids the instance carries from unknown ones,
// dropping duplicates and keeping request order.
func SplitCombinationIDs(inst *model.Instance, ids []string) (known, unknown []string) {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := inst.Combination(id); ok {
			known = append(known, id)
		} else {
			unknown = append(unknown, id)
		}
	}
	return known, unknown
}
