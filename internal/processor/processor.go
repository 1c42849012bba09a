// Package processor declares the contract every activity handler
// implements: Processor, its declared input/output activity types and
// properties, and the ExitState disposition it returns after handling one
// activity. Modeled on processor.py's Processor ABC and activity.py's
// ExitState/ExitStatus.
package processor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dsoares/pypeline/internal/activityfile"
)

// ExitStatus is the coarse disposition of one activity processing attempt.
type ExitStatus string

const (
	StatusSuccess      ExitStatus = "SUCCESS"
	StatusDeclined     ExitStatus = "DECLINED"
	StatusErrorRetry   ExitStatus = "ERROR_RETRY"
	StatusErrorAbandon ExitStatus = "ERROR_ABANDON"
)

// ExitState is what Execute returns to tell the orchestrator what happened
// and what should happen to the activity file next.
type ExitState struct {
	Status             ExitStatus
	Reason             string
	NextActivityStatus activityfile.State
	ActualWorkWasDone  bool
	RetryDelaySeconds  int
}

// RemoveActivity reports whether the activity file should be deleted
// outright rather than moved to a terminal state directory: a successful
// no-op (a pure filter that decided there was nothing to do) leaves no
// trace, matching ExitState.remove_activity in the original.
func (e ExitState) RemoveActivity() bool {
	return e.Status == StatusSuccess && !e.ActualWorkWasDone
}

// Success reports a completed activity that performed real work and should
// move to PROCESSED.
func Success(reason string) ExitState {
	return ExitState{Status: StatusSuccess, Reason: reason, NextActivityStatus: activityfile.StateProcessed, ActualWorkWasDone: true}
}

// SuccessNoOp reports a completed activity that did nothing of consequence
// (e.g. a filter processor that decided to drop it); its file is removed
// rather than archived.
func SuccessNoOp(reason string) ExitState {
	return ExitState{Status: StatusSuccess, Reason: reason, NextActivityStatus: activityfile.StateProcessed, ActualWorkWasDone: false}
}

// Declined reports that the processor chose not to act, returning the
// activity to TO_BE_PROCESSED for another worker or another cycle.
func Declined(reason string) ExitState {
	return ExitState{Status: StatusDeclined, Reason: reason, NextActivityStatus: activityfile.StateToBeProcessed, ActualWorkWasDone: false}
}

// Ignored reports that the processor decided this activity is no longer
// relevant, without it being an error.
func Ignored(reason string) ExitState {
	return ExitState{Status: StatusDeclined, Reason: reason, NextActivityStatus: activityfile.StateIgnored, ActualWorkWasDone: false}
}

// Retry reports a transient failure; the orchestrator schedules another
// attempt after delaySeconds and increments the retry counter.
func Retry(reason string, delaySeconds int) ExitState {
	return ExitState{Status: StatusErrorRetry, Reason: reason, NextActivityStatus: activityfile.StateToBeProcessed, RetryDelaySeconds: delaySeconds}
}

// Error reports a terminal failure; the activity moves to ERROR.
func Error(reason string) ExitState {
	return ExitState{Status: StatusErrorAbandon, Reason: reason, NextActivityStatus: activityfile.StateError, ActualWorkWasDone: true}
}

// PropertySpec declares one property or configuration key a Processor may
// read, for documentation and for default-stub generation.
type PropertySpec struct {
	Parts   []string
	Type    string
	Help    string
	Default any
}

// ActivityCreator is the narrow view of internal/creator.Creator a
// Processor's Execute method is handed: just enough to mint new
// activities, with no way to spoof which processor is creating them. The
// orchestrator binds one of these per processor, baking in that
// processor's own declared OutputActivityTypes() and identity, so
// authorization is enforced against the actual caller rather than a name
// the caller could supply itself — breaking the source's
// processor-creates-via-orchestrator-backreference cycle (spec.md §9
// design note) with plain dependency injection instead.
type ActivityCreator interface {
	CreateActivities(ctx context.Context, activityType string, data []string, startDelaySeconds int) error
}

// Processor handles one activity type. Implementations are expected to be
// stateless: all dependencies (creator, property store, configuration)
// are passed into Execute rather than held on the processor itself, so
// the same value can be shared safely across worker goroutines handling
// different activities concurrently.
type Processor interface {
	InputActivityType() string
	OutputActivityTypes() map[string]struct{}
	Properties() []PropertySpec
	Configuration() []PropertySpec
	Execute(ctx context.Context, activity activityfile.Activity, log *zerolog.Logger, config map[string]any, activities ActivityCreator) (ExitState, error)
}

// Validate checks a Processor's declared input/output types against
// activityfile's naming grammar, mirroring Processor.validate() which the
// original calls once at Orchestrator construction time.
func Validate(p Processor) error {
	input := p.InputActivityType()
	if !activityfile.ValidActivityTypePattern.MatchString(input) {
		return fmt.Errorf("processor %T: invalid input activity type %q: %s", p, input, activityfile.ValidActivityTypePatternHelp)
	}
	for out := range p.OutputActivityTypes() {
		if !activityfile.ValidActivityTypePattern.MatchString(out) {
			return fmt.Errorf("processor %T: invalid output activity type %q: %s", p, out, activityfile.ValidActivityTypePatternHelp)
		}
	}
	return nil
}
