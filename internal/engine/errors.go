package engine

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/roach88/strata/internal/ir"
)

// ErrHalted is returned to waiters once the orchestrator gave up on a
// storage failure. A halted orchestrator applies nothing more until it is
// recreated.
var ErrHalted = errors.New("orchestrator halted")

// ErrReentrantDispatch is returned when a hook dispatches through the
// Orchestrator instead of its Call.
var ErrReentrantDispatch = errors.New("dispatch from inside a hook must go through the Call")

// Error tags recorded on failed events. Phase tags are suffixed with the
// failing model, as in "reduce:users".
const (
	TagPreprocess = "preprocess"
	TagReduce     = "reduce"
	TagApply      = "apply"
	TagDerive     = "derive"
	TagTransact   = "transact"
	TagSub        = "sub"
	TagRecursion  = "recursion"
)

func phaseTag(phase, model string) string { return phase + ":" + model }

func subTag(index int) string { return TagSub + ":" + strconv.Itoa(index) }

// PreprocessError reports a model that failed or misbehaved in preprocess.
type PreprocessError struct {
	Model string
	Err   error
}

func (e *PreprocessError) Error() string {
	return fmt.Sprintf("preprocess %s: %v", e.Model, e.Err)
}

func (e *PreprocessError) Unwrap() error { return e.Err }

// ReduceError aggregates every reducer that failed for one event.
type ReduceError struct {
	Failures map[string]string
}

func (e *ReduceError) Error() string {
	return "reduce failed: " + joinFailures(e.Failures)
}

// ApplyError aggregates every model that failed while writing. Phase is
// "apply" or "derive".
type ApplyError struct {
	Phase    string
	Failures map[string]string
}

func (e *ApplyError) Error() string {
	return e.Phase + " failed: " + joinFailures(e.Failures)
}

// TransactError reports a failed transact hook.
type TransactError struct {
	Model string
	Err   error
}

func (e *TransactError) Error() string {
	return fmt.Sprintf("transact %s: %v", e.Model, e.Err)
}

func (e *TransactError) Unwrap() error { return e.Err }

// StorageError is an infrastructure failure while processing an event.
// Only storage errors are retried.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// RecursionLimitError is returned when an event tree nests deeper than the
// recursion limit or queues more sub-events than the tree quota allows.
type RecursionLimitError struct {
	Depth int
	Limit int
	// Quota is set when the sub-event quota, not the depth, was exceeded.
	Quota bool
}

func (e *RecursionLimitError) Error() string {
	if e.Quota {
		return fmt.Sprintf("sub-event quota exceeded: %d > %d", e.Depth, e.Limit)
	}
	return fmt.Sprintf("recursion limit exceeded: depth %d > %d", e.Depth, e.Limit)
}

// EventFailedError is returned by Dispatch when the event was applied with
// an error record. The event carries the full outcome.
type EventFailedError struct {
	Event ir.Event
}

func (e *EventFailedError) Error() string {
	parts := make([]string, 0, len(e.Event.Error))
	for _, tag := range e.Event.ErrorTags() {
		parts = append(parts, tag+": "+e.Event.Error[tag])
	}
	return fmt.Sprintf("event %d (%s) failed: %s", e.Event.Version, e.Event.Type, strings.Join(parts, "; "))
}

// Unwrap returns the typed phase error rebuilt from the error record, so
// callers can errors.As for *ReduceError and friends.
func (e *EventFailedError) Unwrap() error { return Cause(e.Event) }

// Cause rebuilds the typed error for a failed event from its error tags.
// It returns nil for events without errors.
func Cause(ev ir.Event) error {
	if !ev.Failed() {
		return nil
	}
	byPhase := map[string]map[string]string{}
	for tag, msg := range ev.Error {
		phase, model, _ := strings.Cut(tag, ":")
		if byPhase[phase] == nil {
			byPhase[phase] = map[string]string{}
		}
		byPhase[phase][model] = msg
	}
	switch {
	case byPhase[TagPreprocess] != nil:
		model, msg := first(byPhase[TagPreprocess])
		return &PreprocessError{Model: model, Err: errors.New(msg)}
	case byPhase[TagReduce] != nil:
		return &ReduceError{Failures: byPhase[TagReduce]}
	case byPhase[TagApply] != nil:
		return &ApplyError{Phase: TagApply, Failures: byPhase[TagApply]}
	case byPhase[TagDerive] != nil:
		return &ApplyError{Phase: TagDerive, Failures: byPhase[TagDerive]}
	case byPhase[TagTransact] != nil:
		model, msg := first(byPhase[TagTransact])
		return &TransactError{Model: model, Err: errors.New(msg)}
	}
	// A failed sub-event: the cause lives in the nested event.
	for _, sub := range ev.SubEvents {
		if sub.Failed() {
			return Cause(sub)
		}
	}
	tag := ev.ErrorTags()[0]
	return errors.New(tag + ": " + ev.Error[tag])
}

// IsStorageError reports whether err is or wraps a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IsRecursionLimit reports whether err is or wraps a RecursionLimitError.
func IsRecursionLimit(err error) bool {
	var re *RecursionLimitError
	return errors.As(err, &re)
}

func joinFailures(failures map[string]string) string {
	models := make([]string, 0, len(failures))
	for m := range failures {
		models = append(models, m)
	}
	sort.Strings(models)
	parts := make([]string, 0, len(models))
	for _, m := range models {
		parts = append(parts, m+": "+failures[m])
	}
	return strings.Join(parts, "; ")
}

func first(m map[string]string) (string, string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0], m[keys[0]]
}
